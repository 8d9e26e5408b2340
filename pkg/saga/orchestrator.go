package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/morezero/orchestration-core/pkg/dispatcher"
	"github.com/morezero/orchestration-core/pkg/events"
	"github.com/morezero/orchestration-core/pkg/kv"
	"github.com/morezero/orchestration-core/pkg/scheduler"
)

const logPrefix = "saga:orchestrator"

const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultSweepInterval = 60 * time.Second
	DefaultMaxCASRetries = 5
)

var tracer = otel.Tracer("github.com/morezero/orchestration-core/pkg/saga")

// Config holds orchestrator tunables. Zero values use the defaults.
type Config struct {
	// Retention is the TTL of persisted instances and how long terminal
	// instances stay in memory.
	Retention     time.Duration
	SweepInterval time.Duration
	MaxCASRetries int
}

// Params are the dependencies of an Orchestrator. Bus is optional and enables
// event correlation. Scheduler defaults to a TimerScheduler; the orchestrator
// stops it on Close.
type Params struct {
	Dispatcher *dispatcher.Dispatcher
	Store      kv.Store
	Bus        events.Bus
	Scheduler  scheduler.Scheduler
	Config     Config
}

// Orchestrator executes saga instances. Steps of one instance run strictly
// in sequence; different instances run concurrently.
type Orchestrator struct {
	disp  *dispatcher.Dispatcher
	store kv.Store
	sched scheduler.Scheduler
	cfg   Config

	ctx    context.Context
	cancel context.CancelFunc

	lifecycle sync.RWMutex
	closed    bool
	wg        sync.WaitGroup

	mu        sync.RWMutex
	defs      map[string]*Definition
	instances map[string]*tracked

	sub   events.Subscription
	stats counters
}

// tracked is the in-memory handle of one instance. exec serializes drivers;
// mu guards inst and raw and is never held while a command executes.
type tracked struct {
	exec sync.Mutex

	mu   sync.Mutex
	inst *Instance
	raw  []byte

	done     chan struct{}
	doneOnce sync.Once
}

func newTracked(inst *Instance, raw []byte) *tracked {
	return &tracked{inst: inst, raw: raw, done: make(chan struct{})}
}

func (t *tracked) snapshot() *Instance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inst.clone()
}

func (t *tracked) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// New creates an Orchestrator and registers it as a dispatcher listener.
func New(p Params) (*Orchestrator, error) {
	if p.Dispatcher == nil {
		return nil, fmt.Errorf("%s - a dispatcher is required", logPrefix)
	}
	if p.Store == nil {
		return nil, fmt.Errorf("%s - a key-value store is required", logPrefix)
	}
	if p.Scheduler == nil {
		p.Scheduler = scheduler.NewTimerScheduler()
	}
	if p.Config.Retention <= 0 {
		p.Config.Retention = DefaultRetention
	}
	if p.Config.SweepInterval <= 0 {
		p.Config.SweepInterval = DefaultSweepInterval
	}
	if p.Config.MaxCASRetries <= 0 {
		p.Config.MaxCASRetries = DefaultMaxCASRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		disp:      p.Dispatcher,
		store:     p.Store,
		sched:     p.Scheduler,
		cfg:       p.Config,
		ctx:       ctx,
		cancel:    cancel,
		defs:      make(map[string]*Definition),
		instances: make(map[string]*tracked),
	}

	if p.Bus != nil {
		sub, err := p.Bus.SubscribeAll(o.correlate)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%s - failed to subscribe to events: %w", logPrefix, err)
		}
		o.sub = sub
	}
	p.Dispatcher.AddListener(o)
	return o, nil
}

// Close stops timers, event correlation and waits for running drivers to
// return. Unfinished instances stay persisted and resume on Recover.
func (o *Orchestrator) Close() error {
	o.lifecycle.Lock()
	if o.closed {
		o.lifecycle.Unlock()
		return nil
	}
	o.closed = true
	o.lifecycle.Unlock()

	o.cancel()
	o.sched.Stop()
	var err error
	if o.sub != nil {
		err = o.sub.Unsubscribe()
	}
	o.wg.Wait()
	slog.Info(fmt.Sprintf("%s - Closed", logPrefix))
	return err
}

// spawn runs fn on its own goroutine unless the orchestrator is closed.
func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	o.lifecycle.RLock()
	defer o.lifecycle.RUnlock()
	if o.closed {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.ctx)
	}()
}

func (o *Orchestrator) spawnDrive(t *tracked) {
	o.spawn(func(ctx context.Context) { o.drive(ctx, t) })
}

// StartSaga creates and persists a new instance of sagaID and starts
// executing its first step in the background. An empty correlationID
// defaults to the instance id.
func (o *Orchestrator) StartSaga(ctx context.Context, sagaID, correlationID string, data map[string]any) (*Instance, error) {
	def := o.definition(sagaID)
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:               uuid.NewString(),
		SagaID:           sagaID,
		CorrelationID:    correlationID,
		Status:           StatusPending,
		CompletedSteps:   []string{},
		FailedSteps:      []string{},
		CompensatedSteps: []string{},
		Data:             make(map[string]any, len(data)),
		StartedAt:        now,
		LastUpdatedAt:    now,
	}
	if inst.CorrelationID == "" {
		inst.CorrelationID = inst.ID
	}
	for k, v := range data {
		inst.Data[k] = v
	}
	if def.Timeout > 0 {
		at := now.Add(def.Timeout)
		inst.TimeoutAt = &at
	}

	t, err := o.create(ctx, inst)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.instances[inst.ID] = t
	o.mu.Unlock()
	o.stats.started()

	if def.Timeout > 0 {
		o.armTimeout(inst.ID, def.Timeout)
	}
	slog.Info(fmt.Sprintf("%s - Started %s instance %s (correlation %s)", logPrefix, sagaID, inst.ID, inst.CorrelationID))

	o.spawnDrive(t)
	return inst.clone(), nil
}

// CancelSaga fails a non-terminal instance with reason and compensates it in
// the background.
func (o *Orchestrator) CancelSaga(ctx context.Context, instanceID, reason string) error {
	t := o.lookup(instanceID)
	if t == nil {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}

	var terminal bool
	applied, err := o.mutate(ctx, t, func(in *Instance) error {
		terminal = in.Status.Terminal()
		if terminal || in.Status.rollingBack() {
			return errSkip
		}
		in.Status = StatusFailed
		in.Error = reason
		return nil
	})
	if err != nil {
		return err
	}
	if terminal {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, instanceID)
	}
	if !applied {
		return nil
	}

	o.sched.Cancel(retryKey(instanceID))
	o.stats.cancelled()
	slog.Info(fmt.Sprintf("%s - Cancelled instance %s: %s", logPrefix, instanceID, reason))
	o.spawnDrive(t)
	return nil
}

// GetInstance returns a copy of the instance, loading it from the store when
// it is not held in memory.
func (o *Orchestrator) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	if t := o.lookup(instanceID); t != nil {
		return t.snapshot(), nil
	}
	inst, _, err := o.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// FindByCorrelation returns the instance of sagaID started for correlationID.
func (o *Orchestrator) FindByCorrelation(ctx context.Context, sagaID, correlationID string) (*Instance, error) {
	raw, err := o.store.Get(ctx, correlationIndexKey(correlationID, sagaID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrInstanceNotFound, sagaID, correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read correlation index: %w", logPrefix, err)
	}
	return o.GetInstance(ctx, string(raw))
}

// Await blocks until the instance reaches a terminal status or ctx is done.
func (o *Orchestrator) Await(ctx context.Context, instanceID string) (*Instance, error) {
	t := o.lookup(instanceID)
	if t == nil {
		inst, err := o.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if !inst.Status.Terminal() {
			return inst, fmt.Errorf("%s - instance %s is not running in this process", logPrefix, instanceID)
		}
		return inst, nil
	}

	select {
	case <-t.done:
		return t.snapshot(), nil
	case <-ctx.Done():
		return t.snapshot(), ctx.Err()
	}
}

// GetRunningInstances returns the non-terminal instances ordered by start time.
func (o *Orchestrator) GetRunningInstances() []Instance {
	var out []Instance
	for _, t := range o.trackedInstances() {
		inst := t.snapshot()
		if !inst.Status.Terminal() {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (o *Orchestrator) lookup(id string) *tracked {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.instances[id]
}

func (o *Orchestrator) trackedInstances() []*tracked {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*tracked, 0, len(o.instances))
	for _, t := range o.instances {
		out = append(out, t)
	}
	return out
}
