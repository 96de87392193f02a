package resultstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Compile-time interface satisfaction check.
var _ Storage = (*File)(nil)

// File stores results as files in a single directory.
type File struct {
	root      string
	appendExt bool
}

// NewFile creates the root directory if needed.
func NewFile(root string, appendExt bool) (*File, error) {
	if root == "" {
		return nil, errors.New("file storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	return &File{root: root, appendExt: appendExt}, nil
}

// Store writes data to a temp file and renames it into place so readers
// never observe a partial payload.
func (f *File) Store(ctx context.Context, jobID, ext string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := objectKey("", jobID, ext, f.appendExt)
	path, err := f.path(ref)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(f.root, ".tmp-"+jobID+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close result: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename result: %w", err)
	}
	return ref, nil
}

func (f *File) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	return data, nil
}

func (f *File) Delete(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := f.path(ref)
	if err != nil {
		return false, err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete result: %w", err)
	}
	return true, nil
}

// path resolves ref inside the root, rejecting anything that would escape it.
func (f *File) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("invalid result reference %q", ref)
	}
	return filepath.Join(f.root, ref), nil
}
