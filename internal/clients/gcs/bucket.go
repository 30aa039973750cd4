package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/foldbridge/foldbridge-backend/internal/platform/envutil"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
)

// ErrExists marks a write refused because the artifact path is already
// populated. Artifact paths are write-once; callers treat this as success
// for idempotent retries.
var ErrExists = errors.New("artifact already exists")

// ArtifactStore is the object-store tier for large job inputs/outputs.
type ArtifactStore interface {
	// Put writes an artifact exactly once; a second write to the same key
	// returns ErrExists and leaves the original untouched.
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	PublicURL(key string) string
}

type artifactStore struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

func NewArtifactStore(log *logger.Logger) (ArtifactStore, error) {
	serviceLog := log.With("service", "ArtifactStore")

	bucket := envutil.Str("ARTIFACT_GCS_BUCKET_NAME", "")
	if bucket == "" {
		return nil, fmt.Errorf("missing env var ARTIFACT_GCS_BUCKET_NAME")
	}

	ctx := context.Background()
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if creds := envutil.Str("GOOGLE_APPLICATION_CREDENTIALS_JSON", ""); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &artifactStore{
		log:    serviceLog,
		client: client,
		bucket: bucket,
	}, nil
}

func (s *artifactStore) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	// Generation precondition makes the path write-once at the bucket, not
	// just by convention.
	obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write artifact %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 412 {
			return ErrExists
		}
		return fmt.Errorf("close artifact writer %q: %w", key, err)
	}
	return nil
}

// Keep the cancel attached to the reader's Close; cancelling before the
// caller reads would truncate the download to 0 bytes.
type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

func (s *artifactStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open artifact reader %q: %w", key, err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

func (s *artifactStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (s *artifactStore) PublicURL(key string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
}
