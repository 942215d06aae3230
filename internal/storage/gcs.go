package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/atelierml/backend/internal/config"
)

type serviceAccountJSON struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// GCSResultStore signs time-limited read URLs for job results that workers
// wrote to the shared bucket.
type GCSResultStore struct {
	bucket     string
	accessID   string
	privateKey []byte
}

// NewGCSResultStore loads the signer credentials. Returns (nil, nil) when no
// bucket is configured; result URLs are then served unsigned.
func NewGCSResultStore(cfg config.StorageConfig) (*GCSResultStore, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	if cfg.ServiceAccountFile == "" {
		return nil, errors.New("GCS bucket configured without a service account file")
	}

	raw, err := os.ReadFile(cfg.ServiceAccountFile)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}

	var sa serviceAccountJSON
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("parse service account file: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, errors.New("service account file missing client_email or private_key")
	}

	return &GCSResultStore{
		bucket:     cfg.Bucket,
		accessID:   sa.ClientEmail,
		privateKey: []byte(sa.PrivateKey),
	}, nil
}

// SignedResultURL returns a V4 signed GET URL for the result reference.
// References that are already plain URLs pass through untouched.
func (s *GCSResultStore) SignedResultURL(objectRef string, expires time.Duration) (string, error) {
	key, ok := s.objectKey(objectRef)
	if !ok {
		return objectRef, nil
	}

	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		Expires:        time.Now().Add(expires),
		GoogleAccessID: s.accessID,
		PrivateKey:     s.privateKey,
	}
	return storage.SignedURL(s.bucket, key, opts)
}

// objectKey extracts the bucket-relative key from a result reference.
func (s *GCSResultStore) objectKey(ref string) (string, bool) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return "", false
	}
	if strings.HasPrefix(ref, "gs://") {
		rest := strings.TrimPrefix(ref, "gs://")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[0] != s.bucket {
			return "", false
		}
		return parts[1], true
	}
	return strings.TrimPrefix(ref, "/"), true
}
