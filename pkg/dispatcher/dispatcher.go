package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/morezero/orchestration-core/pkg/events"
	"github.com/morezero/orchestration-core/pkg/kv"
)

const logPrefix = "dispatcher:dispatch"

const (
	commandKeyPrefix = "command:"

	// commitTimeout bounds the writes that follow a successful handler.
	commitTimeout = 5 * time.Second

	DefaultCommandRetention = 30 * 24 * time.Hour
	DefaultQueryCacheTTL    = 300 * time.Second
)

var tracer = otel.Tracer("github.com/morezero/orchestration-core/pkg/dispatcher")

// Config holds dispatcher tunables. Zero values use the defaults.
type Config struct {
	CommandRetention     time.Duration
	QueryCacheDefaultTTL time.Duration
	// QueryCacheTTLs overrides the cache TTL per query type.
	QueryCacheTTLs map[string]time.Duration
}

// Params are the dependencies of a Dispatcher. EventStore is optional and
// only needed for ResetReadModel.
type Params struct {
	Store      kv.Store
	Bus        events.Bus
	EventStore events.Store
	Config     Config
}

// Dispatcher routes commands and queries to registered handlers.
type Dispatcher struct {
	store      kv.Store
	bus        events.Bus
	eventStore events.Store
	cfg        Config

	mu              sync.RWMutex
	commandHandlers map[string]CommandHandler
	queryHandlers   map[string]QueryHandler
	readModels      map[string]ReadModel
	projections     map[string]map[string]events.Handler // event type -> model name -> handler
	subscriptions   map[string]events.Subscription
	listeners       []Listener

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	stats counters
}

// auditRecord is stored under command:<id> once a command has been executed.
type auditRecord struct {
	Command
	Events     []string  `json:"events"`
	ExecutedAt time.Time `json:"executedAt"`
}

// New creates a Dispatcher.
func New(p Params) (*Dispatcher, error) {
	if p.Store == nil {
		return nil, fmt.Errorf("%s - a key-value store is required", logPrefix)
	}
	if p.Bus == nil {
		return nil, fmt.Errorf("%s - an event bus is required", logPrefix)
	}
	if p.Config.CommandRetention <= 0 {
		p.Config.CommandRetention = DefaultCommandRetention
	}
	if p.Config.QueryCacheDefaultTTL <= 0 {
		p.Config.QueryCacheDefaultTTL = DefaultQueryCacheTTL
	}

	return &Dispatcher{
		store:           p.Store,
		bus:             p.Bus,
		eventStore:      p.EventStore,
		cfg:             p.Config,
		commandHandlers: make(map[string]CommandHandler),
		queryHandlers:   make(map[string]QueryHandler),
		readModels:      make(map[string]ReadModel),
		projections:     make(map[string]map[string]events.Handler),
		subscriptions:   make(map[string]events.Subscription),
		inflight:        make(map[string]struct{}),
	}, nil
}

// RegisterCommandHandler registers h for its command type, replacing any previous handler.
func (d *Dispatcher) RegisterCommandHandler(h CommandHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	typ := h.CommandType()
	if _, ok := d.commandHandlers[typ]; ok {
		slog.Warn(fmt.Sprintf("%s - Replacing command handler for %s", logPrefix, typ))
	}
	d.commandHandlers[typ] = h
	slog.Debug(fmt.Sprintf("%s - Registered command handler %s", logPrefix, typ))
}

// RegisterQueryHandler registers h for its query type, replacing any previous handler.
func (d *Dispatcher) RegisterQueryHandler(h QueryHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	typ := h.QueryType()
	if _, ok := d.queryHandlers[typ]; ok {
		slog.Warn(fmt.Sprintf("%s - Replacing query handler for %s", logPrefix, typ))
	}
	d.queryHandlers[typ] = h
	slog.Debug(fmt.Sprintf("%s - Registered query handler %s", logPrefix, typ))
}

// AddListener registers l for command executed/failed notifications.
func (d *Dispatcher) AddListener(l Listener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

// ListCommandHandlers returns the registered command types, sorted.
func (d *Dispatcher) ListCommandHandlers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.commandHandlers)
}

// ListQueryHandlers returns the registered query types, sorted.
func (d *Dispatcher) ListQueryHandlers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.queryHandlers)
}

// ListReadModels returns the registered read model names, sorted.
func (d *Dispatcher) ListReadModels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedKeys(d.readModels)
}

// Metrics returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Metrics() Metrics {
	return d.stats.snapshot()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func validateCommand(cmd Command) error {
	switch {
	case cmd.ID == "":
		return newError(CodeValidation, "command id is required")
	case cmd.Type == "":
		return newError(CodeValidation, "command type is required")
	case cmd.AggregateID == "":
		return newError(CodeValidation, "command aggregateId is required")
	}
	return nil
}

// ExecuteCommand runs cmd through its handler at most once per command id.
// Failures are reported in the result, never as a panic or Go error.
func (d *Dispatcher) ExecuteCommand(ctx context.Context, cmd Command) *CommandResult {
	ctx, span := tracer.Start(ctx, "dispatcher.ExecuteCommand", trace.WithAttributes(
		attribute.String("command.id", cmd.ID),
		attribute.String("command.type", cmd.Type),
		attribute.String("command.aggregate_id", cmd.AggregateID),
	))
	defer span.End()

	start := time.Now()
	res := &CommandResult{CommandID: cmd.ID}

	evts, err := d.executeCommand(ctx, cmd)
	res.ProcessingTime = time.Since(start)
	if err != nil {
		res.Errors = []ErrorDetail{detail(err)}
		span.SetStatus(codes.Error, err.Error())
		slog.Warn(fmt.Sprintf("%s - Command %s (%s) failed: %v", logPrefix, cmd.Type, cmd.ID, err))
	} else {
		res.Success = true
		res.Events = evts
		span.SetAttributes(attribute.Int("command.events", len(evts)))
		slog.Debug(fmt.Sprintf("%s - Command %s (%s) produced %d events in %s", logPrefix, cmd.Type, cmd.ID, len(evts), res.ProcessingTime))
	}

	d.stats.command(res.Success, res.ProcessingTime, len(res.Events))
	d.notify(ctx, cmd, res)
	return res
}

func (d *Dispatcher) executeCommand(ctx context.Context, cmd Command) ([]events.Event, error) {
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}

	if !d.acquire(cmd.ID) {
		return nil, newError(CodeDuplicateCommand, "command %s is already executing", cmd.ID)
	}
	defer d.release(cmd.ID)

	_, err := d.store.Get(ctx, commandKeyPrefix+cmd.ID)
	switch {
	case err == nil:
		return nil, newError(CodeDuplicateCommand, "command %s has already been processed", cmd.ID)
	case !errors.Is(err, kv.ErrNotFound):
		return nil, newError(CodeInternal, "idempotency check failed: %v", err)
	}

	d.mu.RLock()
	h, ok := d.commandHandlers[cmd.Type]
	d.mu.RUnlock()
	if !ok {
		return nil, newError(CodeHandlerNotFound, "no handler registered for command type %s", cmd.Type)
	}

	evts, err := invokeCommand(ctx, h, cmd)
	if err != nil {
		return nil, err
	}
	stampEvents(cmd, evts)

	// The handler has run: storing, publishing and the audit record must
	// complete even when the caller has already given up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if d.eventStore != nil && len(evts) > 0 {
		if err := d.eventStore.Append(ctx, evts...); err != nil {
			return nil, newError(CodeInternal, "failed to store events: %v", err)
		}
	}
	if len(evts) > 0 {
		if err := d.bus.Publish(ctx, evts...); err != nil {
			return nil, newError(CodeInternal, "failed to publish events: %v", err)
		}
	}

	d.writeAudit(ctx, cmd, evts)
	return evts, nil
}

func invokeCommand(ctx context.Context, h CommandHandler, cmd Command) (evts []events.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, cmd)
}

// stampEvents fills ids and timestamps and links each event to cmd.
func stampEvents(cmd Command, evts []events.Event) {
	now := time.Now().UTC()
	for i := range evts {
		evt := &evts[i]
		if evt.ID == "" {
			evt.ID = uuid.NewString()
		}
		if evt.Timestamp.IsZero() {
			evt.Timestamp = now
		}
		if evt.AggregateID == "" {
			evt.AggregateID = cmd.AggregateID
		}
		if evt.Metadata == nil {
			evt.Metadata = make(map[string]string)
		}
		setIfEmpty(evt.Metadata, events.MetaCausationID, cmd.ID)
		setIfEmpty(evt.Metadata, events.MetaCorrelationID, cmd.Metadata.CorrelationID)
		setIfEmpty(evt.Metadata, events.MetaUserID, cmd.Metadata.UserID)
		setIfEmpty(evt.Metadata, events.MetaCommandType, cmd.Type)
	}
}

func setIfEmpty(m map[string]string, key, value string) {
	if value == "" || m[key] != "" {
		return
	}
	m[key] = value
}

// writeAudit closes the idempotency window for cmd. The events are already
// published at this point, so a failed write is logged and the command still succeeds.
func (d *Dispatcher) writeAudit(ctx context.Context, cmd Command, evts []events.Event) {
	rec := auditRecord{Command: cmd, Events: make([]string, 0, len(evts)), ExecutedAt: time.Now().UTC()}
	for _, evt := range evts {
		rec.Events = append(rec.Events, evt.ID)
	}

	data, err := json.Marshal(rec)
	if err == nil {
		err = d.store.Set(ctx, commandKeyPrefix+cmd.ID, data, d.cfg.CommandRetention)
	}
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to write audit record for %s: %v", logPrefix, cmd.ID, err))
	}
}

func (d *Dispatcher) acquire(id string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.inflightMu.Lock()
	delete(d.inflight, id)
	d.inflightMu.Unlock()
}

func (d *Dispatcher) notify(ctx context.Context, cmd Command, res *CommandResult) {
	d.mu.RLock()
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error(fmt.Sprintf("%s - listener panicked for %s: %v", logPrefix, cmd.ID, r))
				}
			}()
			if res.Success {
				l.CommandExecuted(ctx, cmd, res)
			} else {
				l.CommandFailed(ctx, cmd, res)
			}
		}()
	}
}
