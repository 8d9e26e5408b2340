package dispatcher

import (
	"context"

	"github.com/morezero/orchestration-core/pkg/events"
)

// CommandHandler handles one command type and returns the events it produced.
type CommandHandler interface {
	CommandType() string
	Handle(ctx context.Context, cmd Command) ([]events.Event, error)
}

// QueryHandler handles one query type. The returned value must be JSON-encodable.
type QueryHandler interface {
	QueryType() string
	Handle(ctx context.Context, q Query) (any, error)
}

// ReadModel is a named projection. EventHandlers maps event types to the
// handler that applies them. Handlers may see an event more than once and
// must be idempotent.
type ReadModel interface {
	Name() string
	EventHandlers() map[string]events.Handler
}

// Initializer is implemented by read models that need setup on registration.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Resetter is implemented by read models that can be rebuilt from history.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Listener is notified after every ExecuteCommand call.
type Listener interface {
	CommandExecuted(ctx context.Context, cmd Command, res *CommandResult)
	CommandFailed(ctx context.Context, cmd Command, res *CommandResult)
}

type commandFunc struct {
	typ string
	fn  func(context.Context, Command) ([]events.Event, error)
}

func (h commandFunc) CommandType() string { return h.typ }

func (h commandFunc) Handle(ctx context.Context, cmd Command) ([]events.Event, error) {
	return h.fn(ctx, cmd)
}

// CommandFunc adapts fn into a CommandHandler for commandType.
func CommandFunc(commandType string, fn func(context.Context, Command) ([]events.Event, error)) CommandHandler {
	return commandFunc{typ: commandType, fn: fn}
}

type queryFunc struct {
	typ string
	fn  func(context.Context, Query) (any, error)
}

func (h queryFunc) QueryType() string { return h.typ }

func (h queryFunc) Handle(ctx context.Context, q Query) (any, error) {
	return h.fn(ctx, q)
}

// QueryFunc adapts fn into a QueryHandler for queryType.
func QueryFunc(queryType string, fn func(context.Context, Query) (any, error)) QueryHandler {
	return queryFunc{typ: queryType, fn: fn}
}
