package labelset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/tensor"
)

// SaveFile writes the set to filename, or to DefaultFilename inside filename if it is a directory.
// The file is replaced atomically.
func SaveFile(s *Set, filename string) (string, error) {
	if st, err := os.Stat(filename); err == nil && st.IsDir() {
		filename = filepath.Join(filename, DefaultFilename)
	}
	raw, err := Marshal(s)
	if err != nil {
		return "", err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, filename); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return filename, nil
}

// LoadFile reads a set that was written by SaveFile
func LoadFile(log logs.Log, arena *tensor.Arena, filename string) (*Set, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	s, err := Unmarshal(log, arena, raw)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	return s, nil
}
