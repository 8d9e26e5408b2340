package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/orchestration-core/pkg/events"
)

const eventsLogPrefix = "db:events"

// EventRepository is an events.Store backed by the domain_events table.
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository creates an EventRepository using the given pool.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// Append inserts evts in a single transaction. Events whose id is already
// stored are skipped, so re-appending after a retry is harmless.
func (r *EventRepository) Append(ctx context.Context, evts ...events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, evt := range evts {
		data, err := json.Marshal(nonNilData(evt.Data))
		if err != nil {
			return fmt.Errorf("%s - failed to encode data for %s: %w", eventsLogPrefix, evt.ID, err)
		}
		meta, err := json.Marshal(nonNilMeta(evt.Metadata))
		if err != nil {
			return fmt.Errorf("%s - failed to encode metadata for %s: %w", eventsLogPrefix, evt.ID, err)
		}
		ts := evt.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO domain_events (id, type, aggregate_id, data, metadata, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			evt.ID, evt.Type, evt.AggregateID, data, meta, ts)
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("%s - failed to append %d events: %w", eventsLogPrefix, len(evts), err)
	}
	slog.Debug(fmt.Sprintf("%s - Appended %d events", eventsLogPrefix, len(evts)))
	return nil
}

// ListByTypes returns stored events of the given types in append order.
func (r *EventRepository) ListByTypes(ctx context.Context, types ...string) ([]events.Event, error) {
	if len(types) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, type, aggregate_id, data, metadata, occurred_at
		 FROM domain_events WHERE type = ANY($1) ORDER BY seq`, types)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list events: %w", eventsLogPrefix, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			evt        events.Event
			data, meta []byte
		)
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.AggregateID, &data, &meta, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("%s - failed to scan event: %w", eventsLogPrefix, err)
		}
		if err := json.Unmarshal(data, &evt.Data); err != nil {
			return nil, fmt.Errorf("%s - failed to decode data for %s: %w", eventsLogPrefix, evt.ID, err)
		}
		if err := json.Unmarshal(meta, &evt.Metadata); err != nil {
			return nil, fmt.Errorf("%s - failed to decode metadata for %s: %w", eventsLogPrefix, evt.ID, err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - failed to iterate events: %w", eventsLogPrefix, err)
	}
	return out, nil
}

func nonNilData(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
