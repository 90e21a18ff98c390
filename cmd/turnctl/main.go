// Command turnctl drives conversation turns against a backend from the
// terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"

	"github.com/capitalize-ai/turn-orchestrator/internal/cancellation"
	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/internal/operation"
	"github.com/capitalize-ai/turn-orchestrator/internal/orchestrator"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
)

// Options is the root command. The struct tags are interpreted by
// github.com/jessevdk/go-flags.
type Options struct {
	Backend   string `long:"backend" env:"BACKEND_URL" default:"http://127.0.0.1:8787" description:"backend base URL"`
	CancelURL string `long:"cancel-url" env:"CANCEL_URL" default:"ws://127.0.0.1:8787/ai_cancel" description:"cancellation websocket URL"`
	Verbose   bool   `short:"v" long:"verbose" description:"log protocol traffic to stderr"`

	Ask    AskCmd    `command:"ask" description:"Run one turn and print its events"`
	Cancel CancelCmd `command:"cancel" description:"Send an out-of-band cancellation for a request"`
	Ping   PingCmd   `command:"ping" description:"Check that the backend answers"`
}

var opts Options

// AskCmd runs a single turn.
type AskCmd struct {
	Model   string        `long:"model" env:"DEFAULT_MODEL" description:"model forwarded with API calls"`
	Timeout time.Duration `long:"timeout" default:"10m" description:"give up on the turn after this long"`

	Args struct {
		Query string `positional-arg-name:"query" required:"yes"`
	} `positional-args:"yes"`
}

// cancelSendTimeout bounds delivery of an ai_cancel frame.
const cancelSendTimeout = 5 * time.Second

// Execute implements flags.Commander.
func (c *AskCmd) Execute(_ []string) error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	return c.run(context.Background(), os.Stdout, os.Stderr, interrupt)
}

// run drives one turn until it ends, the user interrupts or the timeout
// passes. In the last two cases the backend is told to stop before run
// returns.
func (c *AskCmd) run(parent context.Context, stdout, stderr io.Writer, interrupt <-chan os.Signal) error {
	log := newLogger()
	client := operation.NewClient(operation.Config{BaseURL: opts.Backend, Timeout: c.Timeout}, log)
	canceller := cancellation.New(cancellation.Config{URL: opts.CancelURL, ConnectTimeout: 3 * time.Second}, log)
	defer canceller.Close()

	orch := orchestrator.New(client, printer(stdout), orchestrator.Config{Model: c.Model}, log)

	ctx, cancel := context.WithTimeout(parent, c.Timeout)
	defer cancel()

	turn, err := orch.StartTurn(ctx, c.Args.Query, uuid.Must(uuid.NewV7()).String())
	if err != nil {
		return err
	}

	select {
	case <-turn.Done():
	case <-interrupt:
		abandon(orch, canceller, turn, stderr)
		return nil
	case <-ctx.Done():
		abandon(orch, canceller, turn, stderr)
		return fmt.Errorf("turn %s timed out after %s", turn.RequestID(), c.Timeout)
	}

	if turn.Outcome() == orchestrator.OutcomeFailed {
		return turn.Err()
	}
	return nil
}

// abandon ends turn locally and sends its ai_cancel frame. The in-flight
// backend call is left to the caller's context.
func abandon(orch *orchestrator.Orchestrator, canceller *cancellation.Channel, turn *orchestrator.Turn, stderr io.Writer) {
	orch.Cancel(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), cancelSendTimeout)
	defer cancel()
	if err := canceller.Send(ctx, turn.RequestID()); err != nil {
		fmt.Fprintf(stderr, "cancellation not delivered: %v\n", err)
	}
}

// CancelCmd sends ai_cancel for a request id.
type CancelCmd struct {
	Args struct {
		RequestID string `positional-arg-name:"request-id" required:"yes"`
	} `positional-args:"yes"`
}

// Execute implements flags.Commander.
func (c *CancelCmd) Execute(_ []string) error {
	canceller := cancellation.New(cancellation.Config{URL: opts.CancelURL, ConnectTimeout: 3 * time.Second}, newLogger())
	defer canceller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := canceller.Send(ctx, c.Args.RequestID); err != nil {
		return err
	}
	fmt.Println("cancellation sent for", c.Args.RequestID)
	return nil
}

// PingCmd checks backend reachability.
type PingCmd struct{}

// Execute implements flags.Commander.
func (c *PingCmd) Execute(_ []string) error {
	client := operation.NewClient(operation.Config{BaseURL: opts.Backend, Timeout: 5 * time.Second}, newLogger())
	if err := client.Ping(context.Background()); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func newLogger() *logger.Logger {
	if !opts.Verbose {
		return logger.Nop()
	}
	log, err := logger.NewDevelopment()
	if err != nil {
		return logger.Nop()
	}
	return log
}

// printer writes one line per turn event.
func printer(w io.Writer) orchestrator.Presenter {
	return orchestrator.PresenterFunc(func(_ context.Context, ev *model.TurnEvent) {
		line := fmt.Sprintf("[%d] %s", ev.Sequence, ev.Type)
		if ev.Status != "" {
			line += " status=" + string(ev.Status)
		}
		if ev.Reason != "" {
			line += " reason=" + ev.Reason
		}
		if ev.Type == model.EventTurnStarted && ev.Query != "" {
			line += " request_id=" + ev.RequestID
		}
		if len(ev.Data) > 0 {
			line += " data=" + string(ev.Data)
		}
		fmt.Fprintln(w, line)
	})
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		// flags.Default already printed the error.
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
