package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/orchestration-core/pkg/commsutil"
	"github.com/morezero/orchestration-core/pkg/dispatcher"
	"github.com/morezero/orchestration-core/pkg/saga"
)

const handlersLogPrefix = "server:handlers"

// Saga request methods accepted on the saga subject.
const (
	MethodStart       = "start"
	MethodCancel      = "cancel"
	MethodGet         = "get"
	MethodDefinitions = "definitions"
	MethodRunning     = "running"
	MethodMetrics     = "metrics"
)

// Error codes returned on the saga subject in addition to the dispatcher codes.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeUnknownMethod     = "UNKNOWN_METHOD"
	CodeSagaNotFound      = "SAGA_NOT_FOUND"
	CodeInstanceNotFound  = "INSTANCE_NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeVersionConflict   = "VERSION_CONFLICT"
)

// StartParams are the params of a start request.
type StartParams struct {
	SagaID        string         `json:"sagaId"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// CancelParams are the params of a cancel request.
type CancelParams struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason,omitempty"`
}

// GetParams select an instance by id, or by saga id and correlation id.
type GetParams struct {
	InstanceID    string `json:"instanceId,omitempty"`
	SagaID        string `json:"sagaId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type requestHandler func(ctx context.Context, data []byte) any

// subscribe registers the command, query and saga request handlers.
func (s *Server) subscribe(ctx context.Context) error {
	routes := []struct {
		subject string
		handle  requestHandler
	}{
		{s.cfg.CommandSubject, s.handleCommand},
		{s.cfg.QuerySubject, s.handleQuery},
		{s.cfg.SagaSubject, s.handleSaga},
	}
	for _, r := range routes {
		if err := s.listen(ctx, r.subject, r.handle); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) listen(ctx context.Context, subject string, handle requestHandler) error {
	if subject == "" {
		return fmt.Errorf("%s - empty request subject", handlersLogPrefix)
	}
	timeout := s.cfg.RequestTimeout
	sub, err := s.nc.Subscribe(subject, func(msg *comms.Msg) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		commsutil.RespondJSON(msg, handle(reqCtx, msg.Data))
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", handlersLogPrefix, subject, err)
	}
	s.subs = append(s.subs, sub)
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", handlersLogPrefix, subject))
	return nil
}

// handleCommand decodes a Command and replies with its CommandResult.
func (s *Server) handleCommand(ctx context.Context, data []byte) any {
	var cmd dispatcher.Command
	if err := commsutil.DecodePayload(data, &cmd); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to decode command: %v", handlersLogPrefix, err))
		return &dispatcher.CommandResult{
			Errors: []dispatcher.ErrorDetail{{Code: dispatcher.CodeValidation, Message: "failed to decode command"}},
		}
	}
	return s.disp.ExecuteCommand(ctx, cmd)
}

// handleQuery decodes a Query and replies with its QueryResult.
func (s *Server) handleQuery(ctx context.Context, data []byte) any {
	var q dispatcher.Query
	if err := commsutil.DecodePayload(data, &q); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to decode query: %v", handlersLogPrefix, err))
		return &dispatcher.QueryResult{
			Errors: []dispatcher.ErrorDetail{{Code: dispatcher.CodeValidation, Message: "failed to decode query"}},
		}
	}
	return s.disp.ExecuteQuery(ctx, q)
}

// handleSaga routes a method-style Request to the saga orchestrator.
func (s *Server) handleSaga(ctx context.Context, data []byte) any {
	var req dispatcher.Request
	if err := commsutil.DecodePayload(data, &req); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to decode saga request: %v", handlersLogPrefix, err))
		return dispatcher.ErrorResponse("", CodeInvalidRequest, "Failed to decode request", false)
	}

	result, err := s.sagaMethod(ctx, req)
	if err != nil {
		return sagaError(req.ID, err)
	}
	return &dispatcher.Response{ID: req.ID, Ok: true, Result: result}
}

func (s *Server) sagaMethod(ctx context.Context, req dispatcher.Request) (any, error) {
	switch req.Method {
	case MethodStart:
		var p StartParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.SagaID == "" {
			return nil, invalidParams("sagaId is required")
		}
		return s.orch.StartSaga(ctx, p.SagaID, p.CorrelationID, p.Data)
	case MethodCancel:
		var p CancelParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.InstanceID == "" {
			return nil, invalidParams("instanceId is required")
		}
		if p.Reason == "" {
			p.Reason = "cancelled"
		}
		if err := s.orch.CancelSaga(ctx, p.InstanceID, p.Reason); err != nil {
			return nil, err
		}
		return s.orch.GetInstance(ctx, p.InstanceID)
	case MethodGet:
		var p GetParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		switch {
		case p.InstanceID != "":
			return s.orch.GetInstance(ctx, p.InstanceID)
		case p.SagaID != "" && p.CorrelationID != "":
			return s.orch.FindByCorrelation(ctx, p.SagaID, p.CorrelationID)
		default:
			return nil, invalidParams("instanceId or sagaId with correlationId is required")
		}
	case MethodDefinitions:
		return s.orch.ListSagaDefinitions(), nil
	case MethodRunning:
		return s.orch.GetRunningInstances(), nil
	case MethodMetrics:
		return s.orch.Metrics(), nil
	default:
		return nil, &requestError{code: CodeUnknownMethod, msg: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

type requestError struct {
	code string
	msg  string
}

func (e *requestError) Error() string { return e.msg }

func invalidParams(msg string) error {
	return &requestError{code: CodeInvalidRequest, msg: msg}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams(fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

// sagaError maps orchestrator errors onto response codes.
func sagaError(id string, err error) *dispatcher.Response {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return dispatcher.ErrorResponse(id, reqErr.code, reqErr.msg, false)
	case errors.Is(err, saga.ErrSagaNotFound):
		return dispatcher.ErrorResponse(id, CodeSagaNotFound, err.Error(), false)
	case errors.Is(err, saga.ErrInstanceNotFound):
		return dispatcher.ErrorResponse(id, CodeInstanceNotFound, err.Error(), false)
	case errors.Is(err, saga.ErrInvalidTransition):
		return dispatcher.ErrorResponse(id, CodeInvalidTransition, err.Error(), false)
	case errors.Is(err, saga.ErrVersionConflict):
		return dispatcher.ErrorResponse(id, CodeVersionConflict, err.Error(), true)
	default:
		slog.Error(fmt.Sprintf("%s - saga request %s failed: %v", handlersLogPrefix, id, err))
		return dispatcher.ErrorResponse(id, dispatcher.CodeInternal, err.Error(), true)
	}
}
