// Package assets persists generated image buffers and hands back publicly
// reachable URLs. Retention of old files is an explicit policy on the store,
// not a side effect of the request path.
package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists a byte buffer under a key and returns a public URL.
// Implementations must be safe for concurrent use; multiple operations
// upload through the same store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Disk writes assets under a base directory served at a public base URL.
type Disk struct {
	dir     string
	baseURL string
}

func NewDisk(dir, baseURL string) (*Disk, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("assets: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("assets: create dir: %w", err)
	}
	return &Disk{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir exposes the backing directory (the HTTP layer serves it statically).
func (d *Disk) Dir() string { return d.dir }

func (d *Disk) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key = strings.TrimLeft(filepath.ToSlash(key), "/")
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("assets: invalid key %q", key)
	}

	path := filepath.Join(d.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("assets: create key dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("assets: write %s: %w", key, err)
	}
	return d.baseURL + "/" + key, nil
}
