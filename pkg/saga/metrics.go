package saga

import (
	"context"
	"sync"
	"time"

	"github.com/morezero/orchestration-core/pkg/dispatcher"
)

// Metrics is a point-in-time snapshot of orchestrator counters.
type Metrics struct {
	SagasStarted          int64         `json:"sagasStarted"`
	SagasCompleted        int64         `json:"sagasCompleted"`
	SagasCompensated      int64         `json:"sagasCompensated"`
	SagasTimedOut         int64         `json:"sagasTimedOut"`
	SagasCancelled        int64         `json:"sagasCancelled"`
	StepsSucceeded        int64         `json:"stepsSucceeded"`
	StepsFailed           int64         `json:"stepsFailed"`
	StepRetries           int64         `json:"stepRetries"`
	CompensationsExecuted int64         `json:"compensationsExecuted"`
	CompensationsFailed   int64         `json:"compensationsFailed"`
	SagaCommandsExecuted  int64         `json:"sagaCommandsExecuted"`
	SagaCommandsFailed    int64         `json:"sagaCommandsFailed"`
	RunningInstances      int           `json:"runningInstances"`
	AvgDuration           time.Duration `json:"avgDuration"`
}

type counters struct {
	mu       sync.Mutex
	m        Metrics
	finished int64
}

func (c *counters) add(fn func(m *Metrics)) {
	c.mu.Lock()
	fn(&c.m)
	c.mu.Unlock()
}

func (c *counters) started()               { c.add(func(m *Metrics) { m.SagasStarted++ }) }
func (c *counters) cancelled()             { c.add(func(m *Metrics) { m.SagasCancelled++ }) }
func (c *counters) timedOut()              { c.add(func(m *Metrics) { m.SagasTimedOut++ }) }
func (c *counters) stepSucceeded()         { c.add(func(m *Metrics) { m.StepsSucceeded++ }) }
func (c *counters) stepFailed()            { c.add(func(m *Metrics) { m.StepsFailed++ }) }
func (c *counters) retried()               { c.add(func(m *Metrics) { m.StepRetries++ }) }
func (c *counters) compensationSucceeded() { c.add(func(m *Metrics) { m.CompensationsExecuted++ }) }
func (c *counters) compensationFailed()    { c.add(func(m *Metrics) { m.CompensationsFailed++ }) }

func (c *counters) completed(d time.Duration) {
	c.add(func(m *Metrics) { m.SagasCompleted++ })
	c.duration(d)
}

func (c *counters) compensated(d time.Duration) {
	c.add(func(m *Metrics) { m.SagasCompensated++ })
	c.duration(d)
}

func (c *counters) duration(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished++
	c.m.AvgDuration += (d - c.m.AvgDuration) / time.Duration(c.finished)
}

// Metrics returns a snapshot of the orchestrator counters.
func (o *Orchestrator) Metrics() Metrics {
	o.stats.mu.Lock()
	out := o.stats.m
	o.stats.mu.Unlock()
	out.RunningInstances = len(o.GetRunningInstances())
	return out
}

// CommandExecuted counts saga commands that the dispatcher executed.
func (o *Orchestrator) CommandExecuted(_ context.Context, cmd dispatcher.Command, _ *dispatcher.CommandResult) {
	if cmd.Metadata.SagaInstanceID == "" {
		return
	}
	o.stats.add(func(m *Metrics) { m.SagaCommandsExecuted++ })
}

// CommandFailed counts saga commands that the dispatcher rejected or that failed.
func (o *Orchestrator) CommandFailed(_ context.Context, cmd dispatcher.Command, _ *dispatcher.CommandResult) {
	if cmd.Metadata.SagaInstanceID == "" {
		return
	}
	o.stats.add(func(m *Metrics) { m.SagaCommandsFailed++ })
}
