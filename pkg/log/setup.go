// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"io"
	"os"
)

// Options configures the root logger from application settings.
type Options struct {
	Level  string
	Format string
	Caller bool
	// TimeFormat is the text timestamp layout; empty keeps the default.
	TimeFormat string

	// File enables a rotating log file in addition to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// Setup builds the root logger, installs it as the default and returns a
// closer for the log file (a no-op when no file is configured).
// Environment variables override Options.
func Setup(opts Options) (*Logger, io.Closer, error) {
	root := New("laserstage")
	root.SetLevel(ParseLevel(opts.Level))
	root.SetFormat(ParseFormat(opts.Format))
	root.SetCaller(opts.Caller)
	if opts.TimeFormat != "" {
		root.SetTimeFormat(opts.TimeFormat)
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		fw, err := NewRotatingFileWriter(RotationConfig{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   opts.Compress,
		})
		if err != nil {
			return nil, nil, err
		}
		root.SetWriter(io.MultiWriter(os.Stderr, fw))
		// Escape codes would end up in the file.
		root.SetColorize(false)
		closer = fw
	}

	ConfigureFromEnv(root)
	SetDefaultLogger(root)
	return root, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
