// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the process logger. Components receive a
// *logrus.Entry from their constructor; nothing logs through a package
// global.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options selects level, format and destinations.
type Options struct {
	Level string // debug, info, warn, error
	JSON  bool
	Quiet bool
	File  string // tee to this file in addition to stderr
}

// New constructs the logger. The returned closer is non-nil when a log file
// was opened.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	if opts.Quiet && lvl < logrus.WarnLevel {
		lvl = logrus.WarnLevel
	}
	log.SetLevel(lvl)

	if opts.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05",
		})
	}

	var closer io.Closer
	out := io.Writer(os.Stderr)
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	log.SetOutput(out)
	return log, closer, nil
}
