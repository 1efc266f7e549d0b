// Package media stores uploaded avatar files on the local filesystem.
package media

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// MaxAvatarBytes caps a single avatar upload.
const MaxAvatarBytes = 5 << 20

var (
	ErrNotImage = errors.New("upload a valid image")
	ErrTooLarge = errors.New("image is larger than 5 MB")
)

// LocalStore writes files under dir; stored names are relative to it.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

// SaveAvatar sniffs the upload's content type and stores it as
// avatars/<uuid><ext>. The client-supplied filename is ignored.
func (s *LocalStore) SaveAvatar(fh *multipart.FileHeader) (string, error) {
	if fh.Size > MaxAvatarBytes {
		return "", ErrTooLarge
	}
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("media: open upload: %w", err)
	}
	defer src.Close()

	mtype, err := mimetype.DetectReader(src)
	if err != nil {
		return "", fmt.Errorf("media: detect type: %w", err)
	}
	if !strings.HasPrefix(mtype.String(), "image/") {
		return "", ErrNotImage
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("media: rewind upload: %w", err)
	}

	name := filepath.ToSlash(filepath.Join("avatars", uuid.NewString()+mtype.Extension()))
	dst := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("media: mkdir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("media: create: %w", err)
	}
	if _, err := io.Copy(out, io.LimitReader(src, MaxAvatarBytes)); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("media: write: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("media: close: %w", err)
	}
	return name, nil
}

// Remove deletes a stored file; missing files are not an error.
func (s *LocalStore) Remove(name string) error {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("media: refusing to remove %q", name)
	}
	err := os.Remove(filepath.Join(s.dir, clean))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
