package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const defaultPollTimeout = 30 * time.Second

// reading is the helper's wire format: one JSON object per indicator.
type reading struct {
	Label string `json:"label"`
	State string `json:"state"`
}

// CommandSource polls by running an external capture+OCR helper and parsing
// a JSON array of readings from its stdout.
type CommandSource struct {
	command []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewCommandSource creates a source backed by the given helper command.
// The command's first element is the binary, the rest are arguments.
func NewCommandSource(command []string, timeout time.Duration, logger *zap.Logger) *CommandSource {
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandSource{
		command: command,
		timeout: timeout,
		logger:  logger,
	}
}

// Poll runs the helper once and returns its readings. Every failure mode
// (exec error, timeout, bad JSON) wraps ErrSourceUnavailable so the caller
// can skip the tick without inspecting the cause.
func (s *CommandSource) Poll(ctx context.Context) ([]Observation, error) {
	if len(s.command) == 0 {
		return nil, fmt.Errorf("%w: no capture command configured", ErrSourceUnavailable)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(execCtx, s.command[0], s.command[1:]...)
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	if err := c.Run(); err != nil {
		s.logger.Warn("capture helper failed",
			zap.String("command", s.command[0]),
			zap.String("stderr", stderr.String()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: run %s: %v", ErrSourceUnavailable, s.command[0], err)
	}

	var readings []reading
	if err := json.Unmarshal(stdout.Bytes(), &readings); err != nil {
		return nil, fmt.Errorf("%w: parse helper output: %v", ErrSourceUnavailable, err)
	}

	now := time.Now().UTC()
	observations := make([]Observation, 0, len(readings))
	for _, r := range readings {
		label := CleanLabel(r.Label)
		if label == "" {
			continue
		}
		observations = append(observations, Observation{
			RawLabel:   label,
			Color:      ParseColorState(r.State),
			ObservedAt: now,
		})
	}

	s.logger.Debug("frame polled",
		zap.Int("indicators", len(observations)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return observations, nil
}

// SliceSource replays canned observation sets, one per Poll call, and then
// keeps returning the last set. Used in tests and dry runs.
type SliceSource struct {
	frames [][]Observation
	next   int
}

// NewSliceSource creates a replay source over the given frames.
func NewSliceSource(frames ...[]Observation) *SliceSource {
	return &SliceSource{frames: frames}
}

func (s *SliceSource) Poll(ctx context.Context) ([]Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.frames) == 0 {
		return nil, nil
	}
	frame := s.frames[s.next]
	if s.next < len(s.frames)-1 {
		s.next++
	}
	return frame, nil
}
