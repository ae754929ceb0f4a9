package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// typeSuffix names the file holding a blob's content type next to its data.
const typeSuffix = ".ctype"

// Filesystem implements Store on a directory tree. A key is a slash path
// below root. Size and modification time come from the data file itself.
type Filesystem struct {
	root string
}

// NewFilesystem returns a filesystem store rooted at root, creating it if
// needed.
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		root = "./blobdata"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Filesystem{root: root}, nil
}

// Driver returns the blob driver identifier.
func (s *Filesystem) Driver() Driver { return DriverFilesystem }

// path maps key below root. Keys that could escape the root, or that would
// collide with a content type file, are rejected.
func (s *Filesystem) path(key string) (string, error) {
	switch {
	case strings.TrimSpace(key) == "":
		return "", errors.New("blob: empty key")
	case strings.HasPrefix(key, "/"):
		return "", fmt.Errorf("blob %s: absolute key", key)
	case strings.HasSuffix(key, typeSuffix):
		return "", fmt.Errorf("blob %s: reserved suffix", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("blob %s: key leaves the store", key)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(filepath.Clean(key))), nil
}

// stat builds Info for the data file at p.
func (s *Filesystem) stat(key, p string) (Info, error) {
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && fi.IsDir()) {
		return Info{}, fmt.Errorf("blob %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Info{}, err
	}
	info := Info{
		Key:          key,
		Size:         fi.Size(),
		ETag:         strconv.FormatInt(fi.ModTime().UnixNano(), 36) + "-" + strconv.FormatInt(fi.Size(), 36),
		LastModified: fi.ModTime().UTC(),
	}
	if ct, err := os.ReadFile(p + typeSuffix); err == nil {
		info.ContentType = string(ct)
	}
	return info, nil
}

// Put writes r to a temp file in the target directory and renames it into
// place, so readers never observe a partial blob.
func (s *Filesystem) Put(_ context.Context, key string, r io.Reader, opts PutOptions) (Info, error) {
	p, err := s.path(key)
	if err != nil {
		return Info{}, err
	}
	if _, err := os.Stat(p); err == nil {
		return Info{}, fmt.Errorf("blob %s: %w", key, ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Info{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return Info{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err = io.Copy(tmp, r); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Info{}, fmt.Errorf("blob %s: %w", key, err)
	}

	if opts.ContentType != "" {
		if err := os.WriteFile(p+typeSuffix, []byte(opts.ContentType), 0o644); err != nil {
			return Info{}, err
		}
	} else {
		_ = os.Remove(p + typeSuffix)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(p + typeSuffix)
		return Info{}, err
	}
	return s.stat(key, p)
}

// Get opens the blob for reading.
func (s *Filesystem) Get(_ context.Context, key string) (Info, io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return Info{}, nil, err
	}
	info, err := s.stat(key, p)
	if err != nil {
		return Info{}, nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return Info{}, nil, err
	}
	return info, f, nil
}

func (s *Filesystem) Head(_ context.Context, key string) (Info, error) {
	p, err := s.path(key)
	if err != nil {
		return Info{}, err
	}
	return s.stat(key, p)
}

func (s *Filesystem) Delete(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	_ = os.Remove(p + typeSuffix)
	return true, nil
}

// List walks the tree for data files whose key starts with prefix.
func (s *Filesystem) List(_ context.Context, prefix string) ([]Info, error) {
	var infos []Info
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasSuffix(name, typeSuffix) || strings.HasPrefix(name, ".put-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := s.stat(key, p)
		if err != nil {
			return err
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// PresignURL returns an unauthenticated URL for local development.
func (s *Filesystem) PresignURL(_ context.Context, key string, opts SignedURLOptions) (string, error) {
	if opts.Method != "" && !strings.EqualFold(opts.Method, "GET") {
		return "", ErrUnsupported
	}
	return (&url.URL{Scheme: "http", Host: "local.blob", Path: "/" + key}).String(), nil
}
