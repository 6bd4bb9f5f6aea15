package receipt

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxUploadBytes matches the upload limit of the web form
const DefaultMaxUploadBytes int64 = 16 << 20

var allowedExtensions = map[string]bool{
	".pdf":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".heic": true,
	".heif": true,
}

var allowedMIMETypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/heic",
	"image/heif",
}

// Intake validates uploads and stages them on disk for the duration of one
// request
type Intake interface {
	// Stage copies the upload to a temporary file. The caller must Release
	// the returned file.
	Stage(filename string, r io.Reader) (*StagedFile, error)

	// MaxBytes is the largest accepted upload
	MaxBytes() int64
}

// StagedFile is an upload held in a temporary file
type StagedFile struct {
	Path        string
	Filename    string
	ContentType string
	Size        int64
}

// ReadAll returns the staged bytes
func (f *StagedFile) ReadAll() ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading staged file: %w", err)
	}
	return data, nil
}

// Release removes the temporary file. It is safe to call more than once.
func (f *StagedFile) Release() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing staged file: %w", err)
	}
	return nil
}

// LocalIntake stages uploads in a local directory
type LocalIntake struct {
	dir      string
	maxBytes int64
}

// NewLocalIntake creates a new LocalIntake. An empty dir uses the system
// temp directory.
func NewLocalIntake(dir string, maxBytes int64) (*LocalIntake, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}

	return &LocalIntake{
		dir:      dir,
		maxBytes: maxBytes,
	}, nil
}

func (l *LocalIntake) MaxBytes() int64 {
	return l.maxBytes
}

// Stage checks the extension, size and sniffed content type of an upload.
// Nothing is left on disk when it fails.
func (l *LocalIntake) Stage(filename string, r io.Reader) (_ *StagedFile, err error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
	}

	f, err := os.CreateTemp(l.dir, "upload-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("creating staged file: %w", err)
	}
	staged := &StagedFile{Path: f.Name(), Filename: filepath.Base(filename)}

	defer func() {
		if err != nil {
			if rerr := staged.Release(); rerr != nil {
				slog.Warn("Failed to remove staged file", "path", staged.Path, "error", rerr)
			}
		}
	}()

	n, err := io.Copy(f, io.LimitReader(r, l.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("writing staged file: %w", err)
	}

	switch {
	case n == 0:
		return nil, ErrEmptyFile
	case n > l.maxBytes:
		return nil, fmt.Errorf("%w: limit is %d MB", ErrFileTooLarge, l.maxBytes>>20)
	}
	staged.Size = n

	mtype, err := mimetype.DetectFile(staged.Path)
	if err != nil {
		return nil, fmt.Errorf("detecting content type: %w", err)
	}
	if !mimetype.EqualsAny(mtype.String(), allowedMIMETypes...) {
		return nil, fmt.Errorf("%w: %s content in %q", ErrUnsupportedFile, mtype.String(), staged.Filename)
	}
	staged.ContentType = mtype.String()

	return staged, nil
}
