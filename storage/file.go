package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

type FileSink struct {
	dir  string
	sync bool
}

// NewFileSink writes artifacts under dir. With sync set every artifact is
// fsynced before Write returns.
func NewFileSink(dir string, sync bool) (*FileSink, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	log.Info().Str("dir", dir).Bool("fsync", sync).Msg("file sink ready")
	return &FileSink{dir: dir, sync: sync}, nil
}

func (f *FileSink) Write(name string, data []byte) error {
	p := filepath.Join(f.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), os.ModePerm); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	file, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create failed: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if f.sync {
		if err := file.Sync(); err != nil {
			return fmt.Errorf("sync file failed: %w", err)
		}
	}
	return nil
}
