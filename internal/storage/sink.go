package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Sink stores a named artifact and returns where it ended up
type Sink interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// DirSink writes artifacts under a local directory
type DirSink struct {
	root string
}

// NewDirSink creates root if needed
func NewDirSink(root string) (*DirSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", root, err)
	}
	return &DirSink{root: root}, nil
}

// Put implements Sink
func (d *DirSink) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(d.root, filepath.Clean("/" + name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
