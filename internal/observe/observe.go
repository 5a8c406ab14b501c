// Package observe defines the observation source port: the narrow interface
// through which the monitor receives per-tick (label, color) readings taken
// from the dashboard feed. Camera access, HSV thresholding, and OCR live in
// an external helper behind this port.
package observe

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ColorState is the color classification of a single dashboard indicator.
type ColorState string

const (
	StateUp      ColorState = "UP"
	StateDown    ColorState = "DOWN"
	StateUnknown ColorState = "UNKNOWN"
)

// ErrSourceUnavailable marks a tick where the source could not produce
// readings at all (camera gone, helper crashed). The loop treats it as a
// skipped tick, never as a status.
var ErrSourceUnavailable = errors.New("observation source unavailable")

// Observation is one (label, color) reading from the current frame.
type Observation struct {
	RawLabel   string
	Color      ColorState
	ObservedAt time.Time
}

// Source yields the current frame's observations, once per tick.
// An empty slice is a valid result: no indicators detected.
type Source interface {
	Poll(ctx context.Context) ([]Observation, error)
}

// ParseColorState maps helper output tokens to a ColorState.
// Color words are accepted because older helper builds emit the raw mask
// name instead of a status.
func ParseColorState(raw string) ColorState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "up", "green":
		return StateUp
	case "down", "red":
		return StateDown
	default:
		return StateUnknown
	}
}

// CleanLabel collapses multi-line OCR output into a single line and trims
// surrounding whitespace.
func CleanLabel(raw string) string {
	if strings.ContainsRune(raw, '\n') {
		raw = strings.Join(strings.Fields(raw), " ")
	}
	return strings.TrimSpace(raw)
}
