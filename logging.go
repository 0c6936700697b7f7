/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dnscore

import (
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging points the standard logger at a rotated file, mirroring the
// teacher's logging.go verbatim in spirit (same lumberjack fields).
func SetupLogging(logfile string) error {
	log.SetFlags(log.Lshortfile | log.Ltime)

	if logfile == "" {
		return ErrNotImplemented
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   logfile,
		MaxSize:    20,
		MaxBackups: 3,
		MaxAge:     14,
	})
	return nil
}

// NewComponentLogger returns a *log.Logger prefixed for one of the core
// components (trie, cache, replication, ...), the way the teacher gives
// each major subsystem its own prefixed logger rather than one shared
// global.
func NewComponentLogger(component string) *log.Logger {
	return log.New(log.Writer(), "["+component+"] ", log.LstdFlags)
}
