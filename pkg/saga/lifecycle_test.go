package saga

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/morezero/orchestration-core/pkg/dispatcher"
	"github.com/morezero/orchestration-core/pkg/events"
	"github.com/morezero/orchestration-core/pkg/kv"
)

// blocking registers a handler for typ that waits for release or ctx.
func (e *testEnv) blocking(typ string, entered chan<- struct{}, release <-chan struct{}) {
	e.d.RegisterCommandHandler(dispatcher.CommandFunc(typ, func(ctx context.Context, cmd dispatcher.Command) ([]events.Event, error) {
		e.calls.add(cmd)
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
}

func TestSaga_TimeoutDuringRetryWait(t *testing.T) {
	env := newTestEnv(t)
	env.ok("Reserve")
	env.ok("Release")
	env.fail("Charge")

	def := orderSaga()
	def.Timeout = time.Second
	def.Steps[1].Retry = &RetryPolicy{MaxAttempts: 100, Delay: 10 * time.Second}
	_ = env.o.RegisterSaga(def)

	start := time.Now()
	started, _ := env.o.StartSaga(context.Background(), "order", "o-t", nil)
	if started.TimeoutAt == nil || started.TimeoutAt.Sub(started.StartedAt) != time.Second {
		t.Errorf("saga:lifecycle_test - TimeoutAt = %v, want start + 1s", started.TimeoutAt)
	}

	inst := env.await(t, started.ID)
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("saga:lifecycle_test - finished after %s, before the timeout", elapsed)
	}
	if inst.Status != StatusCompensated || inst.Error != TimeoutReason {
		t.Fatalf("saga:lifecycle_test - status %s error %q, want compensated %q", inst.Status, inst.Error, TimeoutReason)
	}
	if !slices.Equal(inst.CompensatedSteps, []string{"reserve"}) {
		t.Errorf("saga:lifecycle_test - CompensatedSteps = %v", inst.CompensatedSteps)
	}
	if env.o.sched.Pending(retryKey(inst.ID)) {
		t.Error("saga:lifecycle_test - retry still pending after compensation")
	}
	if m := env.o.Metrics(); m.SagasTimedOut != 1 {
		t.Errorf("saga:lifecycle_test - SagasTimedOut = %d, want 1", m.SagasTimedOut)
	}
}

func TestSaga_TimeoutWhileStepRuns(t *testing.T) {
	env := newTestEnv(t)
	for _, typ := range []string{"Reserve", "Release", "Refund"} {
		env.ok(typ)
	}
	release := make(chan struct{})
	env.blocking("Charge", nil, release)

	def := orderSaga()
	def.Timeout = time.Second
	_ = env.o.RegisterSaga(def)

	started, _ := env.o.StartSaga(context.Background(), "order", "o-slow", nil)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, _ := env.o.GetInstance(context.Background(), started.ID)
		if inst.Status == StatusFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	close(release)

	inst := env.await(t, started.ID)
	if inst.Status != StatusCompensated || inst.Error != TimeoutReason {
		t.Fatalf("saga:lifecycle_test - status %s error %q", inst.Status, inst.Error)
	}
	// The in-flight step finished after the timeout, so it is undone as well.
	if !slices.Equal(inst.CompensatedSteps, []string{"charge", "reserve"}) {
		t.Errorf("saga:lifecycle_test - CompensatedSteps = %v, want [charge reserve]", inst.CompensatedSteps)
	}
	if n := len(env.calls.ofType("Ship")); n != 0 {
		t.Errorf("saga:lifecycle_test - Ship ran after the timeout")
	}
}

func TestExpire_AfterCompletionIsNoop(t *testing.T) {
	env := newTestEnv(t)
	for _, typ := range []string{"Reserve", "Charge", "Ship"} {
		env.ok(typ)
	}
	_ = env.o.RegisterSaga(orderSaga())

	started, _ := env.o.StartSaga(context.Background(), "order", "o-done", nil)
	env.await(t, started.ID)

	if env.o.expire(context.Background(), started.ID) {
		t.Error("saga:lifecycle_test - expire applied to a completed instance")
	}
	inst, _ := env.o.GetInstance(context.Background(), started.ID)
	if inst.Status != StatusCompleted || inst.Error != "" {
		t.Errorf("saga:lifecycle_test - completed instance changed: %s %q", inst.Status, inst.Error)
	}
}

func TestCancelSaga(t *testing.T) {
	env := newTestEnv(t)
	env.ok("Reserve")
	env.ok("Release")
	env.ok("Refund")
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	env.blocking("Charge", entered, release)
	_ = env.o.RegisterSaga(orderSaga())
	ctx := context.Background()

	started, _ := env.o.StartSaga(ctx, "order", "o-c", nil)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("saga:lifecycle_test - Charge never started")
	}

	if err := env.o.CancelSaga(ctx, started.ID, "customer changed their mind"); err != nil {
		t.Fatalf("saga:lifecycle_test - CancelSaga failed: %v", err)
	}
	inst, _ := env.o.GetInstance(ctx, started.ID)
	if inst.Status != StatusFailed {
		t.Errorf("saga:lifecycle_test - status right after cancel = %s, want failed", inst.Status)
	}
	close(release)

	inst = env.await(t, started.ID)
	if inst.Status != StatusCompensated || inst.Error != "customer changed their mind" {
		t.Fatalf("saga:lifecycle_test - status %s error %q", inst.Status, inst.Error)
	}
	if n := len(env.calls.ofType("Ship")); n != 0 {
		t.Error("saga:lifecycle_test - Ship ran after cancel")
	}

	if err := env.o.CancelSaga(ctx, started.ID, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("saga:lifecycle_test - cancel of terminal instance: %v, want ErrInvalidTransition", err)
	}
	if err := env.o.CancelSaga(ctx, "nope", "x"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("saga:lifecycle_test - cancel of unknown instance: %v, want ErrInstanceNotFound", err)
	}
	if m := env.o.Metrics(); m.SagasCancelled != 1 {
		t.Errorf("saga:lifecycle_test - SagasCancelled = %d, want 1", m.SagasCancelled)
	}
}

func TestSaga_EventCorrelation(t *testing.T) {
	env := newTestEnv(t)
	env.d.RegisterCommandHandler(dispatcher.CommandFunc("Reserve", func(context.Context, dispatcher.Command) ([]events.Event, error) {
		return []events.Event{
			{Type: "StockReserved", Data: map[string]any{"orderId": "o-7", "qty": 2}},
			{Type: "Unrelated", Data: map[string]any{"orderId": "o-8"}},
			{Type: "ViaMetadata", Metadata: map[string]string{"orderId": "o-7"}},
		}, nil
	}))
	_ = env.o.RegisterSaga(Definition{
		ID:                  "reserve-only",
		CorrelationProperty: "orderId",
		Steps:               []Step{{ID: "reserve", Command: dispatcher.Command{Type: "Reserve"}}},
	})

	started, _ := env.o.StartSaga(context.Background(), "reserve-only", "o-7", nil)
	inst := env.await(t, started.ID)

	got, ok := inst.Data["event_StockReserved"].(map[string]any)
	if !ok || got["qty"] != 2 {
		t.Errorf("saga:lifecycle_test - event_StockReserved = %v", inst.Data["event_StockReserved"])
	}
	if _, ok := inst.Data["event_ViaMetadata"]; !ok {
		t.Error("saga:lifecycle_test - correlation via metadata not recorded")
	}
	if _, ok := inst.Data["event_Unrelated"]; ok {
		t.Error("saga:lifecycle_test - event for another correlation id recorded")
	}
	if inst.Status != StatusCompleted {
		t.Errorf("saga:lifecycle_test - status = %s, want completed", inst.Status)
	}
}

func TestSaga_EventCorrelation_NumericProperty(t *testing.T) {
	env := newTestEnv(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	env.blocking("Reserve", entered, release)
	_ = env.o.RegisterSaga(Definition{
		ID:                  "numeric",
		CorrelationProperty: "orderId",
		Steps:               []Step{{ID: "reserve", Command: dispatcher.Command{Type: "Reserve"}}},
	})

	ctx := context.Background()
	started, err := env.o.StartSaga(ctx, "numeric", "12345678", nil)
	if err != nil {
		t.Fatalf("saga:lifecycle_test - StartSaga failed: %v", err)
	}
	<-entered

	// Events delivered over NATS are JSON-decoded, so numbers arrive as float64.
	var evt events.Event
	raw := []byte(`{"id":"e-1","type":"PaymentSettled","data":{"orderId":12345678,"amount":10.5}}`)
	if err := json.Unmarshal(raw, &evt); err != nil {
		t.Fatalf("saga:lifecycle_test - decode event: %v", err)
	}
	if err := env.bus.Publish(ctx, evt); err != nil {
		t.Fatalf("saga:lifecycle_test - publish failed: %v", err)
	}
	close(release)

	inst := env.await(t, started.ID)
	if _, ok := inst.Data["event_PaymentSettled"]; !ok {
		t.Errorf("saga:lifecycle_test - event with numeric orderId not correlated: %v", inst.Data)
	}
}

func TestCorrelationKey(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"o-7", "o-7"},
		{float64(12345678), "12345678"},
		{1.5, "1.5"},
		{float32(42), "42"},
		{json.Number("900719925474099312"), "900719925474099312"},
		{7, "7"},
		{true, "true"},
	}
	for _, tt := range tests {
		if got := correlationKey(tt.in); got != tt.want {
			t.Errorf("saga:lifecycle_test - correlationKey(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecover_ResumesAndTimesOut(t *testing.T) {
	env := newTestEnv(t)
	for _, typ := range []string{"Reserve", "Charge", "Ship", "Release"} {
		env.ok(typ)
	}
	_ = env.o.RegisterSaga(orderSaga())
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	records := []*Instance{
		{
			ID: "mid-flight", SagaID: "order", CorrelationID: "o-r1", Status: StatusRunning,
			CurrentStep: 1, CompletedSteps: []string{"reserve"}, FailedSteps: []string{}, CompensatedSteps: []string{},
			Data: map[string]any{}, StartedAt: now, LastUpdatedAt: now, TimeoutAt: &future, Revision: 3,
		},
		{
			ID: "overdue", SagaID: "order", CorrelationID: "o-r2", Status: StatusRunning,
			CurrentStep: 1, CompletedSteps: []string{"reserve"}, FailedSteps: []string{}, CompensatedSteps: []string{},
			Data: map[string]any{}, StartedAt: now, LastUpdatedAt: now, TimeoutAt: &past, Revision: 3,
		},
		{
			ID: "finished", SagaID: "order", CorrelationID: "o-r3", Status: StatusCompleted,
			Data: map[string]any{}, StartedAt: now, LastUpdatedAt: now, Revision: 9,
		},
		{
			ID: "orphan", SagaID: "unregistered", CorrelationID: "o-r4", Status: StatusRunning,
			Data: map[string]any{}, StartedAt: now, LastUpdatedAt: now, Revision: 1,
		},
	}
	for _, rec := range records {
		raw, _ := json.Marshal(rec)
		if err := env.store.Set(ctx, instanceKey(rec.ID), raw, time.Hour); err != nil {
			t.Fatalf("saga:lifecycle_test - seeding %s failed: %v", rec.ID, err)
		}
	}

	n, err := env.o.Recover(ctx)
	if err != nil {
		t.Fatalf("saga:lifecycle_test - Recover failed: %v", err)
	}
	if n != 2 {
		t.Errorf("saga:lifecycle_test - recovered %d instances, want 2", n)
	}

	mid := env.await(t, "mid-flight")
	if mid.Status != StatusCompleted || !slices.Equal(mid.CompletedSteps, []string{"reserve", "charge", "ship"}) {
		t.Errorf("saga:lifecycle_test - mid-flight = %s %v", mid.Status, mid.CompletedSteps)
	}
	if mid.Revision <= 3 {
		t.Errorf("saga:lifecycle_test - revision not advanced from the stored record: %d", mid.Revision)
	}

	overdue := env.await(t, "overdue")
	if overdue.Status != StatusCompensated || overdue.Error != TimeoutReason {
		t.Errorf("saga:lifecycle_test - overdue = %s %q", overdue.Status, overdue.Error)
	}

	if n := len(env.calls.ofType("Reserve")); n != 0 {
		t.Errorf("saga:lifecycle_test - completed step re-executed %d times", n)
	}
	if n := len(env.calls.ofType("Charge")); n != 1 {
		t.Errorf("saga:lifecycle_test - Charge executed %d times, want 1 (mid-flight only)", n)
	}

	again, _ := env.o.Recover(ctx)
	if again != 0 {
		t.Errorf("saga:lifecycle_test - second Recover resumed %d instances, want 0", again)
	}
}

func TestRecover_AfterCloseMidStep(t *testing.T) {
	env := newTestEnv(t)
	entered := make(chan struct{}, 1)
	env.d.RegisterCommandHandler(dispatcher.CommandFunc("Reserve", func(ctx context.Context, cmd dispatcher.Command) ([]events.Event, error) {
		env.calls.add(cmd)
		entered <- struct{}{}
		// Finish successfully only after shutdown has begun.
		<-ctx.Done()
		return []events.Event{{Type: "Reserved"}}, nil
	}))
	env.ok("Charge")
	_ = env.o.RegisterSaga(Definition{
		ID:                  "two-step",
		CorrelationProperty: "orderId",
		Steps: []Step{
			{ID: "reserve", Command: dispatcher.Command{Type: "Reserve"}},
			{ID: "charge", Command: dispatcher.Command{Type: "Charge"}},
		},
	})

	ctx := context.Background()
	started, err := env.o.StartSaga(ctx, "two-step", "o-c1", nil)
	if err != nil {
		t.Fatalf("saga:lifecycle_test - StartSaga failed: %v", err)
	}
	<-entered
	if err := env.o.Close(); err != nil {
		t.Fatalf("saga:lifecycle_test - Close failed: %v", err)
	}

	restarted, err := New(Params{Dispatcher: env.d, Store: env.store, Bus: env.bus})
	if err != nil {
		t.Fatalf("saga:lifecycle_test - New failed: %v", err)
	}
	t.Cleanup(func() { restarted.Close() })
	_ = restarted.RegisterSaga(Definition{
		ID:                  "two-step",
		CorrelationProperty: "orderId",
		Steps: []Step{
			{ID: "reserve", Command: dispatcher.Command{Type: "Reserve"}},
			{ID: "charge", Command: dispatcher.Command{Type: "Charge"}},
		},
	})
	if n, err := restarted.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("saga:lifecycle_test - Recover = %d, %v; want 1 resumed", n, err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	inst, err := restarted.Await(awaitCtx, started.ID)
	if err != nil {
		t.Fatalf("saga:lifecycle_test - Await failed: %v", err)
	}
	if inst.Status != StatusCompleted || !slices.Equal(inst.CompletedSteps, []string{"reserve", "charge"}) {
		t.Errorf("saga:lifecycle_test - instance = %s %v, want completed [reserve charge]", inst.Status, inst.CompletedSteps)
	}
	if n := len(env.calls.ofType("Reserve")); n != 1 {
		t.Errorf("saga:lifecycle_test - Reserve executed %d times, want 1", n)
	}
	if n := len(env.calls.ofType("Charge")); n != 1 {
		t.Errorf("saga:lifecycle_test - Charge executed %d times, want 1", n)
	}
}

func TestSweep_ExpiresLostTimersAndEvicts(t *testing.T) {
	env := newTestEnv(t)
	env.ok("Reserve")
	env.ok("Release")
	env.fail("Charge")

	def := orderSaga()
	def.Timeout = time.Hour
	def.Steps[1].Retry = &RetryPolicy{MaxAttempts: 10, Delay: time.Hour}
	_ = env.o.RegisterSaga(def)
	ctx := context.Background()

	started, _ := env.o.StartSaga(ctx, "order", "o-s", nil)
	deadline := time.Now().Add(5 * time.Second)
	for !env.o.sched.Pending(retryKey(started.ID)) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	env.o.sched.Cancel(timeoutKey(started.ID))

	env.o.Sweep(time.Now().Add(2 * time.Hour))
	inst := env.await(t, started.ID)
	if inst.Status != StatusCompensated || inst.Error != TimeoutReason {
		t.Fatalf("saga:lifecycle_test - status %s error %q", inst.Status, inst.Error)
	}

	env.o.Sweep(time.Now().Add(DefaultRetention + time.Hour))
	if env.o.lookup(started.ID) != nil {
		t.Error("saga:lifecycle_test - terminal instance not evicted after retention")
	}
	stored, err := env.o.GetInstance(ctx, started.ID)
	if err != nil || stored.Status != StatusCompensated {
		t.Errorf("saga:lifecycle_test - persisted record = %v, %v", stored, err)
	}
}

// staleStore reports every compare-and-swap as lost.
type staleStore struct {
	kv.Store
}

func (staleStore) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, nil
}

func TestMutate_ReloadsOnConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tr, err := env.o.create(ctx, &Instance{ID: "cas", SagaID: "order", CorrelationID: "c", Status: StatusRunning, Data: map[string]any{}})
	if err != nil {
		t.Fatalf("saga:lifecycle_test - create failed: %v", err)
	}

	// Another writer updates the record behind this process's back.
	other, _, _ := env.o.load(ctx, "cas")
	other.Data["fromOther"] = true
	other.Revision++
	raw, _ := json.Marshal(other)
	_ = env.store.Set(ctx, instanceKey("cas"), raw, time.Hour)

	applied, err := env.o.mutate(ctx, tr, func(in *Instance) error {
		in.Data["fromUs"] = true
		return nil
	})
	if err != nil || !applied {
		t.Fatalf("saga:lifecycle_test - mutate = %v, %v; want applied", applied, err)
	}

	stored, _, _ := env.o.load(ctx, "cas")
	if stored.Data["fromOther"] != true || stored.Data["fromUs"] != true {
		t.Errorf("saga:lifecycle_test - lost update: %v", stored.Data)
	}
	if stored.Revision != 3 {
		t.Errorf("saga:lifecycle_test - Revision = %d, want 3", stored.Revision)
	}

	env.o.store = staleStore{Store: env.store}
	_, err = env.o.mutate(ctx, tr, func(in *Instance) error {
		in.Error = "x"
		return nil
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("saga:lifecycle_test - expected ErrVersionConflict, got %v", err)
	}
}

func TestAwait_UnknownInstance(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.o.Await(context.Background(), "missing"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("saga:lifecycle_test - expected ErrInstanceNotFound, got %v", err)
	}
}
