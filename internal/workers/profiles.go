package workers

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelProfile describes one prediction model the fleet serves. Profiles are
// loaded once at startup from a YAML file shared with the worker deployment.
type ModelProfile struct {
	Name           string `yaml:"name"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxBatchSize   int    `yaml:"max_batch_size"`
}

type profilesFile struct {
	Models []ModelProfile `yaml:"models"`
}

type Profiles struct {
	byName map[string]ModelProfile
}

func LoadProfiles(path string) (*Profiles, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read worker profiles: %w", err)
	}
	var f profilesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse worker profiles: %w", err)
	}
	return NewProfiles(f.Models)
}

func NewProfiles(models []ModelProfile) (*Profiles, error) {
	p := &Profiles{byName: make(map[string]ModelProfile, len(models))}
	for _, m := range models {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return nil, fmt.Errorf("worker profile with empty name")
		}
		if _, dup := p.byName[name]; dup {
			return nil, fmt.Errorf("duplicate worker profile %q", name)
		}
		p.byName[name] = m
	}
	return p, nil
}

// DefaultProfiles covers local mode when no profiles file is configured.
func DefaultProfiles(timeoutSeconds, maxBatch int) *Profiles {
	p, _ := NewProfiles([]ModelProfile{
		{Name: "fold-v2", TimeoutSeconds: timeoutSeconds, MaxBatchSize: maxBatch},
	})
	return p
}

func (p *Profiles) Get(model string) (ModelProfile, bool) {
	m, ok := p.byName[strings.TrimSpace(model)]
	return m, ok
}

func (p *Profiles) Names() []string {
	out := make([]string, 0, len(p.byName))
	for name := range p.byName {
		out = append(out, name)
	}
	return out
}
