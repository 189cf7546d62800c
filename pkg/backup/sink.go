package backup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Sink persists the serialized backup document. Implementations must make
// Save durable before returning: a record whose Save returned nil has to
// survive a power cut.
type Sink interface {
	// Save stores the serialized document, replacing any previous value.
	Save(data []byte) error

	// Load returns the previously stored document. A sink that has never
	// stored anything returns an error satisfying errors.Is(err, fs.ErrNotExist).
	Load() ([]byte, error)
}

// FileSink stores the document in a single file, written atomically via a
// temporary file that is fsynced and renamed into place.
type FileSink struct {
	Path string
}

// Save implements Sink.
func (s FileSink) Save(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	tmp := s.Path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Load implements Sink.
func (s FileSink) Load() ([]byte, error) {
	return os.ReadFile(s.Path)
}

// OptionSink embeds the document as a single flattened value in an external
// configuration store, through a caller-supplied fetch/apply pair. Newlines
// are replaced with spaces on Save so the value stays one line.
type OptionSink struct {
	// Fetch returns the stored value, or "" when nothing is stored.
	Fetch func() (string, error)

	// Apply durably stores the value.
	Apply func(value string) error
}

// Save implements Sink.
func (s OptionSink) Save(data []byte) error {
	flat := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, strings.TrimRight(string(data), "\n"))
	return s.Apply(flat)
}

// Load implements Sink.
func (s OptionSink) Load() ([]byte, error) {
	val, err := s.Fetch()
	if err != nil {
		return nil, err
	}
	if val == "" {
		return nil, fs.ErrNotExist
	}
	return []byte(val), nil
}
