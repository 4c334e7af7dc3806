package fileio

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Local stores artifacts on the local filesystem.
type Local struct {
	cacheDir string
}

var _ FS = (*Local)(nil)

func NewLocal(cacheDir string) *Local {
	return &Local{cacheDir: cacheDir}
}

func localPath(uri string) string {
	return filepath.FromSlash(strings.TrimPrefix(uri, SchemeFile))
}

func (l *Local) Read(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(localPath(uri))
}

// Write goes through a temp file in the destination dir, fsync and rename.
func (l *Local) Write(ctx context.Context, uri string, data []byte) (err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	p := localPath(uri)
	dir := filepath.Dir(p)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()
	if _, err = f.Write(data); err != nil {
		f.Close()
		return
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return
	}
	if err = f.Close(); err != nil {
		return
	}
	if err = os.Rename(tmp, p); err != nil {
		return fmt.Errorf("rename %s: %w", p, err)
	}
	return
}

func (l *Local) Exists(ctx context.Context, uri string) (bool, error) {
	_, err := os.Stat(localPath(uri))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Stat versions files by modification time.
func (l *Local) Stat(ctx context.Context, uri string) (Info, error) {
	fi, err := os.Stat(localPath(uri))
	if err != nil {
		return Info{}, err
	}
	mt := fi.ModTime()
	return Info{Size: fi.Size(), Version: strconv.FormatInt(mt.UnixNano(), 10), ModTime: mt.UTC()}, nil
}

func (l *Local) List(ctx context.Context, prefix string) (ret []string, err error) {
	root := localPath(prefix)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			if os.IsNotExist(werr) {
				return nil
			}
			return werr
		}
		if !d.IsDir() {
			ret = append(ret, p)
		}
		return nil
	})
	sort.Strings(ret)
	return
}

func (l *Local) Delete(ctx context.Context, uri string) error {
	err := os.RemoveAll(localPath(uri))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (l *Local) LocalPath(ctx context.Context, uri string) (string, error) {
	return localPath(uri), nil
}
