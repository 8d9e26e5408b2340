package dispatcher

import (
	"sync"
	"time"
)

// Metrics is a point-in-time snapshot of dispatcher counters.
type Metrics struct {
	CommandsProcessed  int64         `json:"commandsProcessed"`
	CommandsSucceeded  int64         `json:"commandsSucceeded"`
	CommandsFailed     int64         `json:"commandsFailed"`
	QueriesProcessed   int64         `json:"queriesProcessed"`
	QueriesSucceeded   int64         `json:"queriesSucceeded"`
	QueriesFailed      int64         `json:"queriesFailed"`
	CacheHits          int64         `json:"cacheHits"`
	CacheMisses        int64         `json:"cacheMisses"`
	CacheHitRate       float64       `json:"cacheHitRate"`
	EventsPublished    int64         `json:"eventsPublished"`
	ProjectionFailures int64         `json:"projectionFailures"`
	AvgCommandTime     time.Duration `json:"avgCommandTime"`
	AvgQueryTime       time.Duration `json:"avgQueryTime"`
}

type counters struct {
	mu sync.Mutex
	m  Metrics
}

func movingAvg(avg time.Duration, n int64, d time.Duration) time.Duration {
	if n <= 1 {
		return d
	}
	return avg + (d-avg)/time.Duration(n)
}

func (c *counters) command(ok bool, d time.Duration, published int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.m.CommandsProcessed++
	if ok {
		c.m.CommandsSucceeded++
	} else {
		c.m.CommandsFailed++
	}
	c.m.EventsPublished += int64(published)
	c.m.AvgCommandTime = movingAvg(c.m.AvgCommandTime, c.m.CommandsProcessed, d)
}

func (c *counters) query(ok, cached bool, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.m.QueriesProcessed++
	if ok {
		c.m.QueriesSucceeded++
	} else {
		c.m.QueriesFailed++
	}
	if cached {
		c.m.CacheHits++
	} else if ok {
		c.m.CacheMisses++
	}
	c.m.AvgQueryTime = movingAvg(c.m.AvgQueryTime, c.m.QueriesProcessed, d)
}

func (c *counters) projectionFailed() {
	c.mu.Lock()
	c.m.ProjectionFailures++
	c.mu.Unlock()
}

func (c *counters) snapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.m
	if lookups := out.CacheHits + out.CacheMisses; lookups > 0 {
		out.CacheHitRate = float64(out.CacheHits) / float64(lookups)
	}
	return out
}
