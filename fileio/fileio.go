// Package fileio reads and writes pipeline artifacts addressed by URI. Plain paths and
// file:// URIs go to the local filesystem, s3://bucket/key URIs to S3.
package fileio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	SchemeFile = "file://"
	SchemeS3   = "s3://"
)

var (
	ErrNotExist          = fs.ErrNotExist
	ErrUnsupportedScheme = errors.New("fileio: unsupported uri scheme")
)

// FS is the storage surface used by the pipeline.
type FS interface {
	Read(ctx context.Context, uri string) ([]byte, error)
	// Write replaces uri atomically: readers see the old or the new content, never a mix.
	Write(ctx context.Context, uri string, data []byte) error
	Exists(ctx context.Context, uri string) (bool, error)
	// Stat reports size and version of uri without reading it.
	Stat(ctx context.Context, uri string) (Info, error)
	// List returns the URIs below prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, uri string) error
	// LocalPath returns a local filesystem path holding the content of uri,
	// downloading remote objects into a cache when needed.
	LocalPath(ctx context.Context, uri string) (string, error)
}

// Info describes a stored object. Version changes whenever the object is
// rewritten; empty means the store cannot tell. ModTime is set when Version
// derives from a clock.
type Info struct {
	Size    int64     `json:"size"`
	Version string    `json:"version,omitempty"`
	ModTime time.Time `json:"mod_time,omitzero"`
}

// Options configures a Router.
type Options struct {
	// CacheDir receives downloads of remote objects. Defaults to the OS temp dir.
	CacheDir string    `yaml:"cache_dir"`
	S3       *S3Config `yaml:"s3"`
}

// Router dispatches on the URI scheme. The S3 client is created on first use.
type Router struct {
	local  *Local
	opts   Options
	s3     *S3
	s3Err  error
	s3Once sync.Once
}

var _ FS = (*Router)(nil)

func New(opts Options) *Router {
	return &Router{local: NewLocal(opts.CacheDir), opts: opts}
}

// WithS3 installs an already constructed S3 driver.
func (r *Router) WithS3(s *S3) *Router {
	r.s3Once.Do(func() {})
	r.s3 = s
	return r
}

func (r *Router) pick(ctx context.Context, uri string) (FS, error) {
	switch {
	case strings.HasPrefix(uri, SchemeS3):
		r.s3Once.Do(func() {
			cfg := S3Config{}
			if r.opts.S3 != nil {
				cfg = *r.opts.S3
			}
			r.s3, r.s3Err = NewS3(ctx, cfg, r.opts.CacheDir)
		})
		if r.s3Err != nil {
			return nil, r.s3Err
		}
		return r.s3, nil
	case strings.Contains(uri, "://") && !strings.HasPrefix(uri, SchemeFile):
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, uri)
	}
	return r.local, nil
}

func (r *Router) Read(ctx context.Context, uri string) ([]byte, error) {
	f, err := r.pick(ctx, uri)
	if err != nil {
		return nil, err
	}
	return f.Read(ctx, uri)
}

func (r *Router) Write(ctx context.Context, uri string, data []byte) error {
	f, err := r.pick(ctx, uri)
	if err != nil {
		return err
	}
	return f.Write(ctx, uri, data)
}

func (r *Router) Exists(ctx context.Context, uri string) (bool, error) {
	f, err := r.pick(ctx, uri)
	if err != nil {
		return false, err
	}
	return f.Exists(ctx, uri)
}

func (r *Router) Stat(ctx context.Context, uri string) (Info, error) {
	f, err := r.pick(ctx, uri)
	if err != nil {
		return Info{}, err
	}
	return f.Stat(ctx, uri)
}

func (r *Router) List(ctx context.Context, prefix string) ([]string, error) {
	f, err := r.pick(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return f.List(ctx, prefix)
}

func (r *Router) Delete(ctx context.Context, uri string) error {
	f, err := r.pick(ctx, uri)
	if err != nil {
		return err
	}
	return f.Delete(ctx, uri)
}

func (r *Router) LocalPath(ctx context.Context, uri string) (string, error) {
	f, err := r.pick(ctx, uri)
	if err != nil {
		return "", err
	}
	return f.LocalPath(ctx, uri)
}

// Join appends path elements to a URI using forward slashes for remote schemes.
func Join(uri string, elem ...string) string {
	if IsRemote(uri) {
		i := strings.Index(uri, "://") + 3
		return uri[:i] + path.Join(append([]string{uri[i:]}, elem...)...)
	}
	return filepath.Join(append([]string{uri}, elem...)...)
}

func IsRemote(uri string) bool {
	return strings.Contains(uri, "://") && !strings.HasPrefix(uri, SchemeFile)
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Rel returns uri relative to dir with forward slashes. ok is false when uri
// is not below dir.
func Rel(dir, uri string) (rel string, ok bool) {
	if IsRemote(dir) {
		return strings.CutPrefix(uri, strings.TrimSuffix(dir, "/")+"/")
	}
	r, err := filepath.Rel(localPath(dir), localPath(uri))
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(r), true
}
