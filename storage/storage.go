// Package storage implements the file store consumed by the transfer
// coordinator: existence checks and location lookup for files this device
// can serve, and relocation of received resources into permanent storage.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ErrUnsafeName indicates a file identifier or resource name that would
// escape the store's directories.
var ErrUnsafeName = errors.New("name contains path traversal")

// ErrNotFound indicates the file identifier does not resolve to a stored file.
var ErrNotFound = errors.New("file not found in store")

// Store abstracts the file store. Exists and Locate answer for files this
// device can serve; Commit relocates a received temporary resource into
// permanent storage and returns its final location.
type Store interface {
	Exists(fileID string) bool
	Locate(fileID string) (string, error)
	Commit(tempPath, name string) (string, error)
}

// Local is a directory-backed Store: shared files are served out of one
// directory and received files are committed into another.
type Local struct {
	shareDir    string
	downloadDir string
}

// NewLocal creates a Local store, creating both directories if needed.
func NewLocal(shareDir, downloadDir string) (*Local, error) {
	if err := os.MkdirAll(shareDir, 0o755); err != nil {
		return nil, fmt.Errorf("create share directory: %w", err)
	}
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}
	return &Local{shareDir: shareDir, downloadDir: downloadDir}, nil
}

// sanitizeName validates that a name stays inside a store directory.
func sanitizeName(name string) (string, error) {
	cleaned := filepath.Clean(name)
	if cleaned == "" || cleaned == "." || filepath.IsAbs(cleaned) {
		return "", ErrUnsafeName
	}
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", ErrUnsafeName
		}
	}
	return cleaned, nil
}

// Exists reports whether the identified file is present in the share
// directory.
func (l *Local) Exists(fileID string) bool {
	name, err := sanitizeName(fileID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Exists",
			"file_id":  fileID,
			"error":    err.Error(),
		}).Warn("Rejected unsafe file identifier")
		return false
	}
	info, err := os.Stat(filepath.Join(l.shareDir, name))
	return err == nil && !info.IsDir()
}

// Locate returns the absolute path of the identified file.
func (l *Local) Locate(fileID string) (string, error) {
	name, err := sanitizeName(fileID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.shareDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("locate %q: %w", fileID, ErrNotFound)
	}
	return path, nil
}

// Commit relocates a received temporary resource into the download
// directory under the given name and returns the permanent location. A name
// collision never clobbers the existing file: the incoming file is committed
// under "name (1).ext", "name (2).ext", and so on.
func (l *Local) Commit(tempPath, name string) (string, error) {
	cleaned, err := sanitizeName(name)
	if err != nil {
		return "", err
	}

	dst := l.availablePath(filepath.Base(cleaned))

	info, statErr := os.Stat(tempPath)
	size := int64(0)
	if statErr == nil {
		size = info.Size()
	}

	if err := relocate(tempPath, dst); err != nil {
		return "", fmt.Errorf("commit %q: %w", name, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Commit",
		"name":     name,
		"location": dst,
		"size":     humanize.IBytes(uint64(size)),
	}).Info("Committed received file to permanent storage")

	return dst, nil
}

// availablePath picks the first non-colliding destination for a name.
func (l *Local) availablePath(name string) string {
	dst := filepath.Join(l.downloadDir, name)
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		return dst
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := filepath.Join(l.downloadDir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// relocate moves a file, falling back to copy-and-remove when rename fails
// across filesystems.
func relocate(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open temporary resource: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return multierr.Append(fmt.Errorf("create destination: %w", err), in.Close())
	}

	_, copyErr := io.Copy(out, in)
	err = multierr.Combine(copyErr, in.Close(), out.Close())
	if err != nil {
		return fmt.Errorf("copy resource: %w", err)
	}

	if err := os.Remove(src); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "relocate",
			"path":     src,
			"error":    err.Error(),
		}).Warn("Failed to remove temporary resource after copy")
	}
	return nil
}
