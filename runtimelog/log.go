// Package runtimelog reproduces picoclaw's own logger.InfoCF/logger.ErrorCF
// call shape (component-tagged, field-map logging) rather than adopting a
// different example repo's logging library — the teacher's codebase
// already has call sites shaped exactly like this (referenced from
// pkg/api/server.go and pkg/integration/registry.go, though logger.go
// itself wasn't part of the retrieved pack), so deviating here would read
// as foreign.
package runtimelog

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Fields is the field-map argument every call site passes alongside a
// message, matching InfoCF/ErrorCF's "component, format, fields" shape.
type Fields map[string]any

var (
	mu      sync.Mutex
	std     = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	enabled = true
)

// SetOutput is used by tests to redirect log output.
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	mu.Lock()
	defer mu.Unlock()
	std = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
}

// Disable silences all output (tests that assert on stdout/stderr).
func Disable() {
	mu.Lock()
	defer mu.Unlock()
	enabled = false
}

// InfoCF logs an informational message tagged with component and fields.
func InfoCF(component, msg string, fields Fields) {
	logLine("INFO", component, msg, fields)
}

// ErrorCF logs an error message tagged with component and fields.
func ErrorCF(component, msg string, fields Fields) {
	logLine("ERROR", component, msg, fields)
}

// WarnCF logs a warning message tagged with component and fields.
func WarnCF(component, msg string, fields Fields) {
	logLine("WARN", component, msg, fields)
}

func logLine(level, component, msg string, fields Fields) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled {
		return
	}
	std.Printf("[%s] [%s] %s%s", level, component, msg, formatFields(fields))
}

func formatFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	out := " "
	first := true
	for k, v := range fields {
		if !first {
			out += " "
		}
		first = false
		out += fmt.Sprintf("%s=%v", k, v)
	}
	return out
}
