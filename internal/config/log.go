package config

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	// File receives a copy of all log output. Empty disables file logging.
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days,omitempty"`
	Compress   bool   `mapstructure:"compress" yaml:"compress,omitempty"`
}

// Writer returns w, teed into the rotating log file when one is
// configured. The returned closer must be called on exit.
func (l LogConfig) Writer(w io.Writer) (io.Writer, io.Closer) {
	if l.File == "" {
		return w, io.NopCloser(nil)
	}
	file := &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   l.Compress,
	}
	return io.MultiWriter(w, file), file
}
