package processor

import (
	"fmt"
	"os"
	"path/filepath"
)

// openAppend opens filePath for appending, creating it and its directories.
// Runs sharing a dump path are told apart by their run header line.
func openAppend(filePath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), os.ModePerm); err != nil {
		return nil, fmt.Errorf("cannot create directories: %w", err)
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open file: %w", err)
	}
	return file, nil
}
