// Package storage keeps generated PDFs for URL delivery.
//
// Only the HTTP layer writes here. Retention and lifecycle are left to the
// operator (a cron job or bucket policy on the directory).
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/alnah/go-pdfgate/internal/fileutil"
)

// Sentinel errors.
var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

const (
	metaDir  = ".meta"
	filePerm = 0o600
	dirPerm  = 0o750
)

// Metadata travels with a stored object.
type Metadata struct {
	ContentType string `json:"contentType"`
	TenantID    string `json:"tenantId,omitempty"`
	ContentHash string `json:"contentHash,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
}

// Object describes a stored object.
type Object struct {
	Key     string    `json:"key"`
	URL     string    `json:"url"`
	ETag    string    `json:"etag"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"-"`
}

// Store is what the HTTP layer needs from object storage.
type Store interface {
	Put(ctx context.Context, key string, data []byte, meta Metadata) (Object, error)
	Open(ctx context.Context, key string) (io.ReadSeekCloser, Object, Metadata, error)
}

var _ Store = (*FS)(nil)

// NewKey returns a fresh random object key.
func NewKey() string {
	return uuid.NewString() + ".pdf"
}

// FS stores objects as files in a flat directory, with metadata in a
// sidecar JSON file under .meta/.
type FS struct {
	dir     string
	baseURL string
}

// NewFS creates dir (and its metadata directory) if needed. baseURL is the
// public prefix objects are served under, such as
// "https://pdf.example.com/v1/files".
func NewFS(dir, baseURL string) (*FS, error) {
	if dir == "" {
		return nil, errors.New("storage directory is empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, metaDir), dirPerm); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &FS{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the storage root.
func (s *FS) Dir() string { return s.dir }

// URL returns the public URL of key.
func (s *FS) URL(key string) string {
	return s.baseURL + "/" + key
}

// Put writes data under key, replacing any previous object.
func (s *FS) Put(ctx context.Context, key string, data []byte, meta Metadata) (Object, error) {
	if err := fileutil.ValidateName(key); err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/pdf"
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		return Object{}, fmt.Errorf("encoding metadata: %w", err)
	}
	if err := fileutil.WriteAtomic(s.metaPath(key), raw, filePerm); err != nil {
		return Object{}, fmt.Errorf("storing metadata for %s: %w", key, err)
	}
	if err := fileutil.WriteAtomic(s.path(key), data, filePerm); err != nil {
		return Object{}, fmt.Errorf("storing %s: %w", key, err)
	}

	return Object{
		Key:     key,
		URL:     s.URL(key),
		ETag:    ETag(data),
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}, nil
}

// Open returns a reader for key. The caller closes it.
func (s *FS) Open(ctx context.Context, key string) (io.ReadSeekCloser, Object, Metadata, error) {
	if err := fileutil.ValidateName(key); err != nil {
		return nil, Object{}, Metadata{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, Object{}, Metadata{}, err
	}

	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Object{}, Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, Object{}, Metadata{}, fmt.Errorf("opening %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Object{}, Metadata{}, fmt.Errorf("stat %s: %w", key, err)
	}

	meta := Metadata{ContentType: "application/pdf"}
	if raw, err := os.ReadFile(s.metaPath(key)); err == nil {
		_ = json.Unmarshal(raw, &meta)
	}

	obj := Object{
		Key:     key,
		URL:     s.URL(key),
		ETag:    weakETag(info),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	return f, obj, meta, nil
}

// Delete removes key and its metadata. A missing key is not an error.
func (s *FS) Delete(key string) error {
	if err := fileutil.ValidateName(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	_ = os.Remove(s.metaPath(key))
	return nil
}

func (s *FS) path(key string) string     { return filepath.Join(s.dir, key) }
func (s *FS) metaPath(key string) string { return filepath.Join(s.dir, metaDir, key+".json") }

// ETag returns a strong entity tag for data.
func ETag(data []byte) string {
	return `"` + strconv.FormatUint(xxhash.Sum64(data), 16) + `"`
}

// Served files are identified by size and mtime, without rereading them.
func weakETag(info os.FileInfo) string {
	return `W/"` + strconv.FormatInt(info.Size(), 16) + "-" + strconv.FormatInt(info.ModTime().UnixNano(), 16) + `"`
}
