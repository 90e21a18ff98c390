// Package poller waits for externally executed console and terminal commands
// to finish and hands their output back to the backend.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
	"github.com/capitalize-ai/turn-orchestrator/pkg/metrics"
)

// DefaultInterval is the delay between completion checks.
const DefaultInterval = 500 * time.Millisecond

var (
	// ErrStalled means the external process reported no usable status.
	// Polling stops without finalizing; the user has to intervene.
	ErrStalled = errors.New("command reported no completion status")

	// ErrMissingRequestID means the command cannot be finalized because its
	// originating request is unknown.
	ErrMissingRequestID = errors.New("command has no request id")
)

// Command identifies an accepted command being watched.
type Command struct {
	MessageID int
	RequestID string
	// Baseline is the console text captured before the command started.
	// Unused for terminal commands.
	Baseline string
}

// ConsoleBackend is what the console poller needs from the host.
type ConsoleBackend interface {
	IsConsoleBusy(ctx context.Context) (bool, error)
	ConsoleOutput(ctx context.Context) (string, error)
	FinalizeConsoleCommand(ctx context.Context, messageID int, requestID, output string) (*model.OperationResult, error)
}

// TerminalBackend is what the terminal poller needs from the host.
type TerminalBackend interface {
	CheckTerminalComplete(ctx context.Context, messageID int) (*bool, error)
	FinalizeTerminalCommand(ctx context.Context, messageID int, requestID string) (*model.OperationResult, error)
}

// ConsolePoller watches console commands.
type ConsolePoller struct {
	backend  ConsoleBackend
	interval time.Duration
	logger   *logger.Logger
}

// NewConsolePoller creates a console poller.
func NewConsolePoller(backend ConsoleBackend, interval time.Duration, log *logger.Logger) *ConsolePoller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &ConsolePoller{backend: backend, interval: interval, logger: logger.OrGlobal(log)}
}

// Watch blocks until the console is idle, then finalizes the command with
// the output produced since cmd.Baseline and returns the backend's result.
func (p *ConsolePoller) Watch(ctx context.Context, cmd Command) (*model.OperationResult, error) {
	if cmd.RequestID == "" {
		return nil, fmt.Errorf("console message %d: %w", cmd.MessageID, ErrMissingRequestID)
	}
	log := p.logger.WithCommand(string(model.CommandConsole), cmd.MessageID, cmd.RequestID)
	acc := NewAccumulator(cmd.Baseline)

	err := poll(ctx, p.interval, func(ctx context.Context) (bool, error) {
		busy, err := p.backend.IsConsoleBusy(ctx)
		if err != nil {
			metrics.RecordPoll("console", "error")
			return false, fmt.Errorf("check console: %w", err)
		}
		current, err := p.backend.ConsoleOutput(ctx)
		if err != nil {
			metrics.RecordPoll("console", "error")
			return false, fmt.Errorf("read console: %w", err)
		}
		acc.Track(current)
		if busy {
			metrics.RecordPoll("console", "busy")
			return false, nil
		}
		metrics.RecordPoll("console", "complete")
		return true, nil
	})
	if err != nil {
		log.Warn("console polling stopped", zap.Error(err))
		return nil, err
	}

	output := acc.String()
	log.Debug("finalizing console command", zap.Int("output_bytes", len(output)))
	return p.backend.FinalizeConsoleCommand(ctx, cmd.MessageID, cmd.RequestID, output)
}

// TerminalPoller watches terminal commands.
type TerminalPoller struct {
	backend  TerminalBackend
	interval time.Duration
	logger   *logger.Logger
}

// NewTerminalPoller creates a terminal poller.
func NewTerminalPoller(backend TerminalBackend, interval time.Duration, log *logger.Logger) *TerminalPoller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &TerminalPoller{backend: backend, interval: interval, logger: logger.OrGlobal(log)}
}

// Watch blocks until the terminal command completes, then finalizes it and
// returns the backend's result. ErrStalled is returned when the backend
// stops reporting a status.
func (p *TerminalPoller) Watch(ctx context.Context, cmd Command) (*model.OperationResult, error) {
	if cmd.RequestID == "" {
		return nil, fmt.Errorf("terminal message %d: %w", cmd.MessageID, ErrMissingRequestID)
	}
	log := p.logger.WithCommand(string(model.CommandTerminal), cmd.MessageID, cmd.RequestID)

	err := poll(ctx, p.interval, func(ctx context.Context) (bool, error) {
		complete, err := p.backend.CheckTerminalComplete(ctx, cmd.MessageID)
		if err != nil {
			metrics.RecordPoll("terminal", "error")
			return false, fmt.Errorf("check terminal: %w", err)
		}
		if complete == nil {
			metrics.RecordPoll("terminal", "stalled")
			return false, fmt.Errorf("terminal message %d: %w", cmd.MessageID, ErrStalled)
		}
		if !*complete {
			metrics.RecordPoll("terminal", "busy")
			return false, nil
		}
		metrics.RecordPoll("terminal", "complete")
		return true, nil
	})
	if err != nil {
		log.Warn("terminal polling stopped", zap.Error(err))
		return nil, err
	}

	log.Debug("finalizing terminal command")
	return p.backend.FinalizeTerminalCommand(ctx, cmd.MessageID, cmd.RequestID)
}

// poll runs check every interval until it reports done or fails.
func poll(ctx context.Context, interval time.Duration, check func(context.Context) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
