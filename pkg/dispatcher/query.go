package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/morezero/orchestration-core/pkg/kv"
)

const queryLogPrefix = "dispatcher:query"

// QueryCachePrefix prefixes every cached query result key.
const QueryCachePrefix = "query:cache:"

// CacheKey returns the cache key for q: the query type plus the base64 of its
// JSON-encoded parameters. Map keys are encoded in sorted order, so equal
// parameters always produce the same key.
func CacheKey(q Query) (string, error) {
	params := q.Parameters
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", newError(CodeValidation, "query parameters are not encodable: %v", err)
	}
	return QueryCachePrefix + q.Type + ":" + base64.StdEncoding.EncodeToString(raw), nil
}

func (d *Dispatcher) cacheTTL(queryType string) time.Duration {
	if ttl, ok := d.cfg.QueryCacheTTLs[queryType]; ok && ttl > 0 {
		return ttl
	}
	return d.cfg.QueryCacheDefaultTTL
}

// ExecuteQuery serves q from the cache or from its handler. Failures are
// reported in the result.
func (d *Dispatcher) ExecuteQuery(ctx context.Context, q Query) *QueryResult {
	ctx, span := tracer.Start(ctx, "dispatcher.ExecuteQuery", trace.WithAttributes(
		attribute.String("query.id", q.ID),
		attribute.String("query.type", q.Type),
	))
	defer span.End()

	start := time.Now()
	res := &QueryResult{QueryID: q.ID}

	data, cached, err := d.executeQuery(ctx, q)
	res.ProcessingTime = time.Since(start)
	if err != nil {
		res.Errors = []ErrorDetail{detail(err)}
		span.SetStatus(codes.Error, err.Error())
		slog.Warn(fmt.Sprintf("%s - Query %s (%s) failed: %v", queryLogPrefix, q.Type, q.ID, err))
	} else {
		res.Success = true
		res.Data = data
		res.Cached = cached
		span.SetAttributes(attribute.Bool("query.cached", cached))
	}

	d.stats.query(res.Success, res.Cached, res.ProcessingTime)
	return res
}

func (d *Dispatcher) executeQuery(ctx context.Context, q Query) (json.RawMessage, bool, error) {
	switch {
	case q.ID == "":
		return nil, false, newError(CodeValidation, "query id is required")
	case q.Type == "":
		return nil, false, newError(CodeValidation, "query type is required")
	}

	key, err := CacheKey(q)
	if err != nil {
		return nil, false, err
	}

	hit, err := d.store.Get(ctx, key)
	switch {
	case err == nil:
		slog.Debug(fmt.Sprintf("%s - Cache hit for %s", queryLogPrefix, q.Type))
		return json.RawMessage(hit), true, nil
	case !errors.Is(err, kv.ErrNotFound):
		slog.Warn(fmt.Sprintf("%s - cache lookup failed for %s: %v", queryLogPrefix, q.Type, err))
	}

	d.mu.RLock()
	h, ok := d.queryHandlers[q.Type]
	d.mu.RUnlock()
	if !ok {
		return nil, false, newError(CodeHandlerNotFound, "no handler registered for query type %s", q.Type)
	}

	out, err := invokeQuery(ctx, h, q)
	if err != nil {
		return nil, false, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, false, fmt.Errorf("query result is not encodable: %w", err)
	}

	if err := d.store.Set(ctx, key, data, d.cacheTTL(q.Type)); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to cache %s: %v", queryLogPrefix, q.Type, err))
	}
	return data, false, nil
}

func invokeQuery(ctx context.Context, h QueryHandler, q Query) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, q)
}

// InvalidateQueryCache deletes cached query results matching pattern, or all
// of them when pattern is empty. It returns the number of deleted entries.
func (d *Dispatcher) InvalidateQueryCache(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = QueryCachePrefix + "*"
	}
	n, err := d.store.DeletePattern(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("%s - failed to invalidate %s: %w", queryLogPrefix, pattern, err)
	}
	slog.Info(fmt.Sprintf("%s - Invalidated %d cached results matching %s", queryLogPrefix, n, pattern))
	return n, nil
}

// InvalidateQueryType deletes every cached result of queryType.
func (d *Dispatcher) InvalidateQueryType(ctx context.Context, queryType string) (int, error) {
	return d.InvalidateQueryCache(ctx, QueryCachePrefix+kv.EscapeGlob(queryType)+":*")
}
