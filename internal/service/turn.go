// Package service composes the orchestrator, the operation client, the
// cancellation channel and the completion pollers into the operations the
// control surfaces expose.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/internal/orchestrator"
	"github.com/capitalize-ai/turn-orchestrator/internal/poller"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
)

// ErrEmptyQuery is returned when a turn is submitted without text.
var ErrEmptyQuery = errors.New("query must not be empty")

// Backend is the part of the operation client the service drives directly.
type Backend interface {
	poller.ConsoleBackend
	poller.TerminalBackend

	AcceptConsoleCommand(ctx context.Context, messageID int, script, requestID string) error
	CancelConsoleCommand(ctx context.Context, messageID int, requestID string) error
	AcceptTerminalCommand(ctx context.Context, messageID int, script, requestID string) error
	CancelTerminalCommand(ctx context.Context, messageID int, requestID string) error
	AcceptEditFileCommand(ctx context.Context, editedCode string, messageID int, requestID string) (*model.OperationResult, error)
	CancelEditFileCommand(ctx context.Context, messageID int, requestID string) (*model.OperationResult, error)
	RevertMessage(ctx context.Context, messageID int) error
	MarkButtonAsRun(ctx context.Context, messageID int, buttonType string) (bool, error)
}

// Canceller delivers out-of-band cancellation to the backend.
type Canceller interface {
	Send(ctx context.Context, requestID string) error
}

// Snapshot describes the orchestrator at a point in time.
type Snapshot struct {
	Processing bool               `json:"processing"`
	RequestID  string             `json:"request_id,omitempty"`
	State      orchestrator.State `json:"state"`
}

// TurnService handles turn and command operations.
type TurnService struct {
	orch      *orchestrator.Orchestrator
	backend   Backend
	canceller Canceller
	console   *poller.ConsolePoller
	terminal  *poller.TerminalPoller
	logger    *logger.Logger

	// root bounds all background work; Close cancels it.
	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewTurnService creates a new turn service.
func NewTurnService(
	orch *orchestrator.Orchestrator,
	backend Backend,
	canceller Canceller,
	console *poller.ConsolePoller,
	terminal *poller.TerminalPoller,
	log *logger.Logger,
) *TurnService {
	root, stop := context.WithCancel(context.Background())
	return &TurnService{
		orch:      orch,
		backend:   backend,
		canceller: canceller,
		console:   console,
		terminal:  terminal,
		logger:    logger.OrGlobal(log),
		root:      root,
		stop:      stop,
	}
}

// Submit starts a new turn for query under a freshly minted request id.
func (s *TurnService) Submit(ctx context.Context, query string) (*orchestrator.Turn, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	requestID := uuid.Must(uuid.NewV7()).String()
	tctx, release := s.detach(ctx)
	turn, err := s.orch.StartTurn(tctx, query, requestID)
	if err != nil {
		release()
		return nil, err
	}
	s.releaseWhenDone(turn, release)
	return turn, nil
}

// Continue resumes a conversation with caller-supplied correlation ids.
func (s *TurnService) Continue(ctx context.Context, c model.Correlation) (*orchestrator.Turn, error) {
	tctx, release := s.detach(ctx)
	turn, err := s.orch.ContinueConversation(tctx, c)
	if err != nil {
		release()
		return nil, err
	}
	s.releaseWhenDone(turn, release)
	return turn, nil
}

// Cancel ends the active turn and notifies the backend out of band. The
// local state is updated before the notification is attempted. It returns
// the cancelled request id and false when nothing was running.
func (s *TurnService) Cancel(ctx context.Context) (string, bool) {
	turn := s.orch.Cancel(ctx)
	if turn == nil {
		return "", false
	}
	s.sendCancel(ctx, turn.RequestID())
	return turn.RequestID(), true
}

// Status returns a snapshot of the orchestrator.
func (s *TurnService) Status() Snapshot {
	return Snapshot{
		Processing: s.orch.IsProcessing(),
		RequestID:  s.orch.CurrentRequestID(),
		State:      s.orch.State(),
	}
}

// AcceptConsoleCommand runs an approved console command and, in the
// background, waits for it to finish and continues the conversation.
func (s *TurnService) AcceptConsoleCommand(ctx context.Context, messageID int, script, requestID string) error {
	baseline, err := s.backend.ConsoleOutput(ctx)
	if err != nil {
		s.logger.Warn("could not snapshot console before command", zap.Int("message_id", messageID), zap.Error(err))
		baseline = ""
	}

	if err := s.backend.AcceptConsoleCommand(ctx, messageID, script, requestID); err != nil {
		return fmt.Errorf("accept console command: %w", err)
	}
	s.markButton(ctx, messageID, "accept")

	cmd := poller.Command{MessageID: messageID, RequestID: requestID, Baseline: baseline}
	s.watch(ctx, model.CommandConsole, cmd, s.console.Watch)
	return nil
}

// CancelConsoleCommand declines a proposed console command.
func (s *TurnService) CancelConsoleCommand(ctx context.Context, messageID int, requestID string) error {
	if err := s.backend.CancelConsoleCommand(ctx, messageID, requestID); err != nil {
		return fmt.Errorf("cancel console command: %w", err)
	}
	s.markButton(ctx, messageID, "cancel")
	return nil
}

// AcceptTerminalCommand runs an approved terminal command and, in the
// background, waits for it to finish and continues the conversation.
func (s *TurnService) AcceptTerminalCommand(ctx context.Context, messageID int, script, requestID string) error {
	if err := s.backend.AcceptTerminalCommand(ctx, messageID, script, requestID); err != nil {
		return fmt.Errorf("accept terminal command: %w", err)
	}
	s.markButton(ctx, messageID, "accept")

	cmd := poller.Command{MessageID: messageID, RequestID: requestID}
	s.watch(ctx, model.CommandTerminal, cmd, s.terminal.Watch)
	return nil
}

// CancelTerminalCommand declines a proposed terminal command.
func (s *TurnService) CancelTerminalCommand(ctx context.Context, messageID int, requestID string) error {
	if err := s.backend.CancelTerminalCommand(ctx, messageID, requestID); err != nil {
		return fmt.Errorf("cancel terminal command: %w", err)
	}
	s.markButton(ctx, messageID, "cancel")
	return nil
}

// AcceptEditFile applies an approved edit and routes the backend's answer
// through the orchestrator. The returned turn is nil when the backend has
// nothing further to do.
func (s *TurnService) AcceptEditFile(ctx context.Context, messageID int, editedCode, requestID string) (*orchestrator.Turn, error) {
	res, err := s.backend.AcceptEditFileCommand(ctx, editedCode, messageID, requestID)
	if err != nil {
		return nil, fmt.Errorf("accept edit: %w", err)
	}
	s.markButton(ctx, messageID, "accept")
	return s.handleResult(ctx, requestID, res)
}

// CancelEditFile declines a proposed edit. The backend may still ask for the
// conversation to continue.
func (s *TurnService) CancelEditFile(ctx context.Context, messageID int, requestID string) (*orchestrator.Turn, error) {
	res, err := s.backend.CancelEditFileCommand(ctx, messageID, requestID)
	if err != nil {
		return nil, fmt.Errorf("cancel edit: %w", err)
	}
	s.markButton(ctx, messageID, "cancel")
	return s.handleResult(ctx, requestID, res)
}

// RevertMessage removes a message and everything after it. A running turn
// is flagged for cancellation first so it stops at its next decision.
func (s *TurnService) RevertMessage(ctx context.Context, messageID int) error {
	if turn := s.orch.MarkCancelled(); turn != nil {
		s.sendCancel(ctx, turn.RequestID())
	}
	if err := s.backend.RevertMessage(ctx, messageID); err != nil {
		return fmt.Errorf("revert message: %w", err)
	}
	s.logger.Info("message reverted", zap.Int("message_id", messageID))
	return nil
}

// Close stops background work and waits for it to exit.
func (s *TurnService) Close() {
	s.stop()
	s.wg.Wait()
}

func (s *TurnService) handleResult(ctx context.Context, requestID string, res *model.OperationResult) (*orchestrator.Turn, error) {
	if res == nil {
		return nil, nil
	}
	tctx, release := s.detach(ctx)
	turn, err := s.orch.HandleResult(tctx, requestID, res)
	if err != nil {
		release()
		return nil, err
	}
	s.releaseWhenDone(turn, release)
	return turn, nil
}

type watchFunc func(ctx context.Context, cmd poller.Command) (*model.OperationResult, error)

// watch polls a command to completion in the background and hands the
// finalize result to the orchestrator.
func (s *TurnService) watch(ctx context.Context, kind model.CommandKind, cmd poller.Command, fn watchFunc) {
	wctx, release := s.detach(ctx)
	log := s.logger.WithCommand(string(kind), cmd.MessageID, cmd.RequestID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()

		res, err := fn(wctx, cmd)
		if err != nil {
			if wctx.Err() != nil {
				log.Debug("command watch stopped", zap.Error(err))
				return
			}
			log.Warn("command did not complete", zap.Error(err))
			s.orch.Emit(wctx, cmd.RequestID, &model.TurnEvent{
				Type:      model.EventCommandStalled,
				MessageID: model.IntPtr(cmd.MessageID),
				Reason:    err.Error(),
			})
			return
		}
		if res == nil {
			return
		}

		turn, err := s.routeWhenIdle(wctx, cmd.RequestID, res)
		if err != nil {
			if wctx.Err() != nil {
				log.Debug("command result dropped on shutdown", zap.String("status", string(res.Status)))
				return
			}
			log.Error("command result could not be routed", zap.String("status", string(res.Status)), zap.Error(err))
			s.orch.Emit(wctx, cmd.RequestID, &model.TurnEvent{
				Type:              model.EventCommandStalled,
				Status:            res.Status,
				MessageID:         model.IntPtr(cmd.MessageID),
				ConversationIndex: res.ConversationIndex(),
				RelatedToID:       res.RelatedToID(),
				Reason:            err.Error(),
			})
			return
		}
		<-turn.Done()
	}()
}

// routeWhenIdle hands res to the orchestrator, waiting for any turn that is
// already running to end first.
func (s *TurnService) routeWhenIdle(ctx context.Context, requestID string, res *model.OperationResult) (*orchestrator.Turn, error) {
	for {
		turn, err := s.orch.HandleResult(ctx, requestID, res)
		if !errors.Is(err, orchestrator.ErrTurnInProgress) {
			return turn, err
		}

		active := s.orch.Active()
		if active == nil {
			continue
		}
		s.logger.WithTurn(requestID).Info("command result waiting for active turn",
			zap.String("active_request_id", active.RequestID()))
		select {
		case <-active.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *TurnService) sendCancel(ctx context.Context, requestID string) {
	cctx, release := s.detach(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		if err := s.canceller.Send(cctx, requestID); err != nil {
			s.logger.WithTurn(requestID).Warn("cancellation not delivered", zap.Error(err))
		}
	}()
}

func (s *TurnService) markButton(ctx context.Context, messageID int, buttonType string) {
	if _, err := s.backend.MarkButtonAsRun(ctx, messageID, buttonType); err != nil {
		s.logger.Warn("failed to mark button as run",
			zap.Int("message_id", messageID),
			zap.String("button", buttonType),
			zap.Error(err),
		)
	}
}

// detach returns a context that keeps the values of ctx but outlives it,
// ending only when the service is closed.
func (s *TurnService) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unregister := context.AfterFunc(s.root, cancel)
	return dctx, func() {
		unregister()
		cancel()
	}
}

func (s *TurnService) releaseWhenDone(turn *orchestrator.Turn, release context.CancelFunc) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-turn.Done()
		release()
	}()
}
