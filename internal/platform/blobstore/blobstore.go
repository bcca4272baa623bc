// Package blobstore provides artifact storage for uploaded laboratory
// report files. It defines the Store interface, validation rules for
// report uploads, an in-memory implementation for tests and development,
// and an S3-compatible implementation for production.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrArtifactNotFound   = errors.New("artifact not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// StorageError wraps a backend failure so callers can map it to a 502
// without losing the cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("artifact storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// DefaultMaxFileSize is the default upload size limit (25 MB).
const DefaultMaxFileSize = 25 * 1024 * 1024

// AllowedContentTypes lists the MIME types accepted for report uploads.
var AllowedContentTypes = map[string]bool{
	"application/pdf":   true,
	"image/png":         true,
	"image/jpeg":        true,
	"image/tiff":        true,
	"text/plain":        true,
	"application/dicom": true,
}

// ValidateUpload checks the declared content type and size against the
// upload rules before any bytes reach the backend.
func ValidateUpload(fileName, contentType string, size, maxSize int64) error {
	if fileName == "" {
		return ErrMissingFileName
	}
	if !AllowedContentTypes[contentType] {
		return fmt.Errorf("%w: %s", ErrInvalidContentType, contentType)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if size > maxSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, size, maxSize)
	}
	return nil
}

// Artifact describes a stored report file.
type Artifact struct {
	Ref         string    `json:"ref"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	StoredAt    time.Time `json:"stored_at"`
}

// Store is the artifact storage contract consumed by the ingestion
// pipeline. Put returns an opaque storage reference; failures surface as
// *StorageError so the aggregate mutation can be aborted atomically.
type Store interface {
	Put(ctx context.Context, fileName, contentType string, content io.Reader) (*Artifact, error)
	Get(ctx context.Context, ref string) (io.ReadCloser, *Artifact, error)
	Delete(ctx context.Context, ref string) error
}

// MemoryStore is a thread-safe in-memory Store for tests and development.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]memoryArtifact
	maxSize   int64

	// FailPuts makes every Put fail; tests use it to exercise the
	// atomic-failure path of report ingestion.
	FailPuts bool
}

type memoryArtifact struct {
	meta    Artifact
	content []byte
}

// NewMemoryStore returns a ready-to-use MemoryStore. maxSize <= 0 means
// DefaultMaxFileSize.
func NewMemoryStore(maxSize int64) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &MemoryStore{
		artifacts: make(map[string]memoryArtifact),
		maxSize:   maxSize,
	}
}

func (s *MemoryStore) Put(_ context.Context, fileName, contentType string, content io.Reader) (*Artifact, error) {
	if s.FailPuts {
		return nil, &StorageError{Op: "put", Err: errors.New("backend unavailable")}
	}
	if fileName == "" {
		return nil, ErrMissingFileName
	}

	data, err := io.ReadAll(io.LimitReader(content, s.maxSize+1))
	if err != nil {
		return nil, &StorageError{Op: "put", Err: err}
	}
	if int64(len(data)) > s.maxSize {
		return nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)
	meta := Artifact{
		Ref:         uuid.New().String(),
		FileName:    fileName,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		StoredAt:    time.Now().UTC(),
	}

	s.mu.Lock()
	s.artifacts[meta.Ref] = memoryArtifact{meta: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) (io.ReadCloser, *Artifact, error) {
	s.mu.RLock()
	a, ok := s.artifacts[ref]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrArtifactNotFound
	}
	meta := a.meta
	return io.NopCloser(bytes.NewReader(a.content)), &meta, nil
}

func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.artifacts[ref]; !ok {
		return ErrArtifactNotFound
	}
	delete(s.artifacts, ref)
	return nil
}
