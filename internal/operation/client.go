// Package operation provides the client for the backend operation endpoint.
package operation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/turn-orchestrator/internal/model"
	"github.com/capitalize-ai/turn-orchestrator/pkg/logger"
	"github.com/capitalize-ai/turn-orchestrator/pkg/metrics"
	"github.com/capitalize-ai/turn-orchestrator/pkg/tracing"
)

// RPC method names exposed by the backend.
const (
	MethodProcessAIOperation     = "process_ai_operation"
	MethodFinalizeConsoleCommand = "finalize_console_command"
	MethodFinalizeTerminal       = "finalize_terminal_command"
	MethodCheckTerminalComplete  = "check_terminal_complete"
	MethodIsConsoleBusy          = "is_console_busy"
	MethodGetConsoleOutput       = "get_console_output"
	MethodAcceptConsoleCommand   = "accept_console_command"
	MethodCancelConsoleCommand   = "cancel_console_command"
	MethodAcceptTerminalCommand  = "accept_terminal_command"
	MethodCancelTerminalCommand  = "cancel_terminal_command"
	MethodAcceptEditFileCommand  = "accept_edit_file_command"
	MethodCancelEditFileCommand  = "cancel_edit_file_command"
	MethodRevertMessage          = "revert_ai_message"
	MethodMarkButtonAsRun        = "mark_button_as_run"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// Config holds operation client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client calls the backend RPC endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	logger     *logger.Logger
}

// NewClient creates a new operation client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tracer:     tracing.Tracer(),
		logger:     logger.OrGlobal(log),
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call sends one process_ai_operation and decodes its result. The
// operation_type entry of params is always set from op.
func (c *Client) Call(ctx context.Context, op model.OperationType, params model.Params) (*model.OperationResult, error) {
	body := params.Clone()
	body["operation_type"] = string(op)

	raw, err := c.invoke(ctx, MethodProcessAIOperation, string(op), body)
	if err != nil {
		return nil, err
	}
	return decodeResult(MethodProcessAIOperation, raw)
}

// FinalizeConsoleCommand hands the accumulated console output to the backend.
func (c *Client) FinalizeConsoleCommand(ctx context.Context, messageID int, requestID, output string) (*model.OperationResult, error) {
	raw, err := c.invoke(ctx, MethodFinalizeConsoleCommand, "", messageID, requestID, output)
	if err != nil {
		return nil, err
	}
	return decodeResult(MethodFinalizeConsoleCommand, raw)
}

// FinalizeTerminalCommand tells the backend a terminal command has finished.
func (c *Client) FinalizeTerminalCommand(ctx context.Context, messageID int, requestID string) (*model.OperationResult, error) {
	raw, err := c.invoke(ctx, MethodFinalizeTerminal, "", messageID, requestID)
	if err != nil {
		return nil, err
	}
	return decodeResult(MethodFinalizeTerminal, raw)
}

// CheckTerminalComplete reports whether a terminal command has finished. A
// nil result means the backend had no usable status.
func (c *Client) CheckTerminalComplete(ctx context.Context, messageID int) (*bool, error) {
	raw, err := c.invoke(ctx, MethodCheckTerminalComplete, "", messageID)
	if err != nil {
		return nil, err
	}
	done, ok := model.DecodeBool(raw)
	if !ok {
		return nil, nil
	}
	return &done, nil
}

// IsConsoleBusy reports whether the console is still executing.
func (c *Client) IsConsoleBusy(ctx context.Context) (bool, error) {
	raw, err := c.invoke(ctx, MethodIsConsoleBusy, "")
	if err != nil {
		return false, err
	}
	busy, ok := model.DecodeBool(raw)
	if !ok {
		return false, &Failure{Method: MethodIsConsoleBusy, Message: "response is not a boolean"}
	}
	return busy, nil
}

// ConsoleOutput returns the full current console text.
func (c *Client) ConsoleOutput(ctx context.Context) (string, error) {
	raw, err := c.invoke(ctx, MethodGetConsoleOutput, "")
	if err != nil {
		return "", err
	}
	if isNull(raw) {
		return "", nil
	}
	out, ok := model.DecodeString(raw)
	if !ok {
		return "", &Failure{Method: MethodGetConsoleOutput, Message: "response is not a string"}
	}
	return out, nil
}

// AcceptConsoleCommand asks the backend to run an approved console command.
func (c *Client) AcceptConsoleCommand(ctx context.Context, messageID int, script, requestID string) error {
	_, err := c.invoke(ctx, MethodAcceptConsoleCommand, "", messageID, script, requestID)
	return err
}

// CancelConsoleCommand declines a proposed console command.
func (c *Client) CancelConsoleCommand(ctx context.Context, messageID int, requestID string) error {
	_, err := c.invoke(ctx, MethodCancelConsoleCommand, "", messageID, requestID)
	return err
}

// AcceptTerminalCommand asks the backend to run an approved terminal command.
func (c *Client) AcceptTerminalCommand(ctx context.Context, messageID int, script, requestID string) error {
	_, err := c.invoke(ctx, MethodAcceptTerminalCommand, "", messageID, script, requestID)
	return err
}

// CancelTerminalCommand declines a proposed terminal command.
func (c *Client) CancelTerminalCommand(ctx context.Context, messageID int, requestID string) error {
	_, err := c.invoke(ctx, MethodCancelTerminalCommand, "", messageID, requestID)
	return err
}

// AcceptEditFileCommand applies an approved edit and returns how the
// conversation should proceed.
func (c *Client) AcceptEditFileCommand(ctx context.Context, editedCode string, messageID int, requestID string) (*model.OperationResult, error) {
	raw, err := c.invoke(ctx, MethodAcceptEditFileCommand, "", editedCode, messageID, requestID)
	if err != nil {
		return nil, err
	}
	return decodeResult(MethodAcceptEditFileCommand, raw)
}

// CancelEditFileCommand declines a proposed edit.
func (c *Client) CancelEditFileCommand(ctx context.Context, messageID int, requestID string) (*model.OperationResult, error) {
	raw, err := c.invoke(ctx, MethodCancelEditFileCommand, "", messageID, requestID)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}
	return decodeResult(MethodCancelEditFileCommand, raw)
}

// RevertMessage removes a message and everything after it.
func (c *Client) RevertMessage(ctx context.Context, messageID int) error {
	_, err := c.invoke(ctx, MethodRevertMessage, "", messageID)
	return err
}

// MarkButtonAsRun records that an accept/cancel button has been used.
func (c *Client) MarkButtonAsRun(ctx context.Context, messageID int, buttonType string) (bool, error) {
	raw, err := c.invoke(ctx, MethodMarkButtonAsRun, "", fmt.Sprint(messageID), buttonType)
	if err != nil {
		return false, err
	}
	ok, _ := model.DecodeBool(raw)
	return ok, nil
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.IsConsoleBusy(ctx)
	return err
}

func (c *Client) invoke(ctx context.Context, method, op string, params ...any) (json.RawMessage, error) {
	label := method
	if op != "" {
		label = op
	}

	ctx, span := c.tracer.Start(ctx, "rpc "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.method", method),
			attribute.String("ai.operation_type", op),
		),
	)
	defer span.End()

	start := time.Now()
	raw, err := c.do(ctx, method, params)
	duration := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordOperation(label, outcome, duration.Seconds())

	c.logger.Debug("backend call completed",
		zap.String("method", method),
		zap.String("operation", op),
		zap.Duration("duration", duration),
		zap.Error(err),
	)
	return raw, err
}

func (c *Client) do(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return nil, &Failure{Method: method, Message: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+method, bytes.NewReader(payload))
	if err != nil {
		return nil, &Failure{Method: method, Message: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Failure{Method: method, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Failure{Method: method, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Failure{Method: method, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	var envelope rpcResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &Failure{Method: method, StatusCode: resp.StatusCode, Message: "malformed response envelope", Err: err}
	}
	if envelope.Error != nil {
		return nil, &Failure{Method: method, StatusCode: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return envelope.Result, nil
}

func decodeResult(method string, raw json.RawMessage) (*model.OperationResult, error) {
	var res model.OperationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &Failure{Method: method, Message: "malformed operation result", Err: err}
	}
	return &res, nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
