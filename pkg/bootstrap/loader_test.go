package bootstrap

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/morezero/orchestration-core/pkg/dispatcher"
	"github.com/morezero/orchestration-core/pkg/events"
	"github.com/morezero/orchestration-core/pkg/kv"
	"github.com/morezero/orchestration-core/pkg/saga"
)

const orderSagas = `{
  "name": "orders",
  "version": "1.0.0",
  "sagas": [
    {
      "id": "order",
      "name": "Place order",
      "version": "1.2.0",
      "correlationProperty": "orderId",
      "timeout": "5m",
      "steps": [
        {
          "id": "reserve",
          "command": {"type": "Reserve", "data": {"sku": "A1"}},
          "compensationCommand": {"type": "Release"},
          "timeout": 1500,
          "retryPolicy": {"maxAttempts": 3, "delay": "100ms", "backoffMultiplier": 2}
        },
        {"id": "charge", "command": {"type": "Charge"}}
      ]
    }
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("bootstrap:loader_test - write %s: %v", p, err)
	}
	return p
}

func TestLoadDefinitionsFile(t *testing.T) {
	p := writeFile(t, "sagas.json", orderSagas)

	f, err := LoadDefinitionsFile("", filepath.Join(t.TempDir(), "missing.json"), p)
	if err != nil {
		t.Fatalf("bootstrap:loader_test - LoadDefinitionsFile failed: %v", err)
	}
	if f.Name != "orders" || len(f.Sagas) != 1 {
		t.Fatalf("bootstrap:loader_test - file = %+v, want one saga named orders", f)
	}

	def := f.Sagas[0].Definition()
	if def.Timeout != 5*time.Minute {
		t.Errorf("bootstrap:loader_test - saga timeout = %s, want 5m", def.Timeout)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("bootstrap:loader_test - steps = %d, want 2", len(def.Steps))
	}
	reserve := def.Steps[0]
	if reserve.Timeout != 1500*time.Millisecond {
		t.Errorf("bootstrap:loader_test - step timeout = %s, want 1.5s", reserve.Timeout)
	}
	if reserve.Retry == nil || reserve.Retry.MaxAttempts != 3 || reserve.Retry.Delay != 100*time.Millisecond || reserve.Retry.BackoffMultiplier != 2 {
		t.Errorf("bootstrap:loader_test - retry = %+v, want 3 attempts every 100ms x2", reserve.Retry)
	}
	if reserve.Compensation == nil || reserve.Compensation.Type != "Release" {
		t.Errorf("bootstrap:loader_test - compensation = %+v, want Release", reserve.Compensation)
	}
	if reserve.Command.Data["sku"] != "A1" {
		t.Errorf("bootstrap:loader_test - command data = %v, want sku A1", reserve.Command.Data)
	}
	if def.Steps[1].Compensation != nil || def.Steps[1].Retry != nil {
		t.Errorf("bootstrap:loader_test - charge step should have no compensation or retry")
	}
}

func TestLoadDefinitionsFile_NoneFound(t *testing.T) {
	t.Chdir(t.TempDir())

	f, err := LoadDefinitionsFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("bootstrap:loader_test - unexpected error: %v", err)
	}
	if len(f.Sagas) != 0 {
		t.Errorf("bootstrap:loader_test - sagas = %d, want 0", len(f.Sagas))
	}
}

func TestLoadDefinitionsFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed json", `{"sagas": [`},
		{"bad duration", `{"sagas": [{"id": "x", "timeout": "soon"}]}`},
		{"duration of wrong type", `{"sagas": [{"id": "x", "timeout": true}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, "sagas.json", tt.content)
			if _, err := LoadDefinitionsFile(p); err == nil {
				t.Errorf("bootstrap:loader_test - expected parse error")
			}
		})
	}
}

func TestDefinition_DurationUnits(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		timeout   time.Duration
		retryBase time.Duration
	}{
		{
			"integers",
			`{"id": "x", "timeout": 1, "steps": [{"id": "s", "retryPolicy": {"maxAttempts": 3, "delay": 100}}]}`,
			time.Second, 100 * time.Millisecond,
		},
		{
			"strings",
			`{"id": "x", "timeout": "750ms", "steps": [{"id": "s", "retryPolicy": {"maxAttempts": 3, "delay": "2s"}}]}`,
			750 * time.Millisecond, 2 * time.Second,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entry SagaEntry
			if err := json.Unmarshal([]byte(tt.content), &entry); err != nil {
				t.Fatalf("bootstrap:loader_test - unmarshal failed: %v", err)
			}
			def := entry.Definition()
			if def.Timeout != tt.timeout {
				t.Errorf("bootstrap:loader_test - saga timeout = %s, want %s", def.Timeout, tt.timeout)
			}
			if def.Steps[0].Retry.Delay != tt.retryBase {
				t.Errorf("bootstrap:loader_test - retry delay = %s, want %s", def.Steps[0].Retry.Delay, tt.retryBase)
			}
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(RetryEntry{MaxAttempts: 2, Delay: Duration(250 * time.Millisecond)})
	if err != nil {
		t.Fatalf("bootstrap:loader_test - marshal failed: %v", err)
	}
	if want := `{"maxAttempts":2,"delay":"250ms"}`; string(b) != want {
		t.Errorf("bootstrap:loader_test - got %s, want %s", b, want)
	}
}

func TestMergeFiles(t *testing.T) {
	base := &File{Name: "base", Version: "1.0.0", Sagas: []SagaEntry{
		{ID: "a", Name: "A"},
		{ID: "b", Name: "B"},
	}}
	override := &File{Version: "1.1.0", Sagas: []SagaEntry{
		{ID: "b", Name: "B2"},
		{ID: "c", Name: "C"},
	}}

	merged := MergeFiles(base, override)

	if merged.Name != "base" || merged.Version != "1.1.0" {
		t.Errorf("bootstrap:loader_test - header = %s@%s, want base@1.1.0", merged.Name, merged.Version)
	}
	var names []string
	for _, s := range merged.Sagas {
		names = append(names, s.Name)
	}
	if len(names) != 3 || names[0] != "A" || names[1] != "B2" || names[2] != "C" {
		t.Errorf("bootstrap:loader_test - sagas = %v, want [A B2 C]", names)
	}
	if base.Sagas[1].Name != "B" {
		t.Errorf("bootstrap:loader_test - base was modified")
	}
}

func TestLoadDefinitions_MergesOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.Mkdir("config", 0o755); err != nil {
		t.Fatalf("bootstrap:loader_test - mkdir: %v", err)
	}
	base := `{"name": "base", "sagas": [{"id": "a", "name": "A"}, {"id": "b", "name": "B"}]}`
	if err := os.WriteFile(filepath.Join("config", "sagas.json"), []byte(base), 0o644); err != nil {
		t.Fatalf("bootstrap:loader_test - write base: %v", err)
	}

	f, err := LoadDefinitions("")
	if err != nil || len(f.Sagas) != 2 {
		t.Fatalf("bootstrap:loader_test - base only = %+v, %v", f, err)
	}

	override := writeFile(t, "override.json", `{"sagas": [{"id": "b", "name": "B2", "timeout": 2}]}`)
	f, err = LoadDefinitions(override)
	if err != nil {
		t.Fatalf("bootstrap:loader_test - LoadDefinitions failed: %v", err)
	}
	if f.Name != "base" || len(f.Sagas) != 2 || f.Sagas[1].Name != "B2" {
		t.Errorf("bootstrap:loader_test - merged = %+v, want base with b replaced", f)
	}
	if got := f.Sagas[1].Definition().Timeout; got != 2*time.Second {
		t.Errorf("bootstrap:loader_test - override timeout = %s, want 2s", got)
	}

	if _, err := LoadDefinitions(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("bootstrap:loader_test - expected error for a missing override file")
	}
}

func newOrchestrator(t *testing.T) *saga.Orchestrator {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisStore(kv.RedisOptions{Addr: mr.Addr()})
	t.Cleanup(func() { store.Close() })

	bus := events.NewMemoryBus()
	d, err := dispatcher.New(dispatcher.Params{Store: store, Bus: bus})
	if err != nil {
		t.Fatalf("bootstrap:loader_test - dispatcher.New failed: %v", err)
	}
	o, err := saga.New(saga.Params{Dispatcher: d, Store: store, Bus: bus})
	if err != nil {
		t.Fatalf("bootstrap:loader_test - saga.New failed: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func TestRegister(t *testing.T) {
	o := newOrchestrator(t)
	f, err := LoadDefinitionsFile(writeFile(t, "sagas.json", orderSagas))
	if err != nil {
		t.Fatalf("bootstrap:loader_test - load failed: %v", err)
	}

	if err := Register(o, f); err != nil {
		t.Fatalf("bootstrap:loader_test - Register failed: %v", err)
	}
	defs := o.ListSagaDefinitions()
	if len(defs) != 1 || defs[0].ID != "order" || defs[0].CompensationStrategy != saga.CompensateBackward {
		t.Errorf("bootstrap:loader_test - definitions = %+v, want order with backward strategy", defs)
	}

	bad := &File{Sagas: []SagaEntry{{ID: "empty"}}}
	if err := Register(o, bad); !errors.Is(err, saga.ErrInvalidDefinition) {
		t.Errorf("bootstrap:loader_test - Register(no steps) error = %v, want ErrInvalidDefinition", err)
	}
}
