// Package dispatcher is the command/query dispatch engine: it routes commands
// and queries to registered handlers, enforces command idempotency, caches
// query results and projects produced events into registered read models.
package dispatcher

import (
	"encoding/json"
	"time"

	"github.com/morezero/orchestration-core/pkg/events"
)

// Metadata travels with a command and is copied onto the events it produces.
type Metadata struct {
	UserID        string    `json:"userId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CausationID   string    `json:"causationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source,omitempty"`

	// Set by the saga orchestrator only.
	SagaInstanceID string `json:"sagaInstanceId,omitempty"`
	SagaStepID     string `json:"sagaStepId,omitempty"`
	IsCompensation bool   `json:"isCompensation,omitempty"`
}

// Command is a request to mutate state. ID is the idempotency key.
type Command struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	AggregateID string         `json:"aggregateId"`
	Data        map[string]any `json:"data,omitempty"`
	Metadata    Metadata       `json:"metadata"`
}

// QueryMetadata travels with a query.
type QueryMetadata struct {
	UserID        string    `json:"userId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Query is a read request. Parameters form part of the cache key.
type Query struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Metadata   QueryMetadata  `json:"metadata"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// CommandResult is the outcome of ExecuteCommand.
type CommandResult struct {
	CommandID      string         `json:"commandId"`
	Success        bool           `json:"success"`
	Events         []events.Event `json:"events,omitempty"`
	Errors         []ErrorDetail  `json:"errors,omitempty"`
	ProcessingTime time.Duration  `json:"processingTime"`
}

// Err returns the first error of a failed result as an *Error, or nil.
func (r *CommandResult) Err() error {
	return resultErr(r.Success, r.Errors)
}

// QueryResult is the outcome of ExecuteQuery. Data is the JSON encoding of
// the handler's return value and is identical for cached and fresh results.
type QueryResult struct {
	QueryID        string          `json:"queryId"`
	Success        bool            `json:"success"`
	Data           json.RawMessage `json:"data,omitempty"`
	Errors         []ErrorDetail   `json:"errors,omitempty"`
	Cached         bool            `json:"cached"`
	ProcessingTime time.Duration   `json:"processingTime"`
}

// Err returns the first error of a failed result as an *Error, or nil.
func (r *QueryResult) Err() error {
	return resultErr(r.Success, r.Errors)
}

// Decode unmarshals Data into v.
func (r *QueryResult) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

func resultErr(success bool, errs []ErrorDetail) error {
	if success {
		return nil
	}
	if len(errs) == 0 {
		return &Error{Code: CodeInternal, Message: "unknown failure"}
	}
	return &Error{Code: errs[0].Code, Message: errs[0].Message}
}

// Request is the JSON envelope for method-style requests arriving over COMMS.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is the JSON envelope for replies to a Request.
type Response struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result any          `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorResponse builds a failed Response.
func ErrorResponse(id, code, message string, retryable bool) *Response {
	return &Response{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}
