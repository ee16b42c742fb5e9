package pqharvest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func getLevel(l string) zerolog.Level {
	switch l {
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		fmt.Println("unknown level string: setting logging level to info")
		return zerolog.InfoLevel
	}
}

// SetupLogging logs to stdout and, when dir is set, to a dated file in dir.
func SetupLogging(l string, dir string) error {
	zerolog.TimeFieldFormat = "2006-01-02 15:04:05.999999"
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000000"}}
	if dir != "" {
		logpath := filepath.Join(dir, fmt.Sprintf("%s.log", time.Now().Format("2006-01-02")))
		if err := os.MkdirAll(filepath.Dir(logpath), os.ModePerm); err != nil {
			return fmt.Errorf("cannot create log dir: %w", err)
		}
		file, err := os.OpenFile(logpath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		writers = append(writers, file)
	}
	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(getLevel(l))
	log.Info().Str("Level", l).Str("dir", dir).Msg("Logging setup done")
	return nil
}
