// Package store applies usage to the merchant store. It is the only writer
// of used_tokens and of the api_requests ledger.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/georgiangelov2000/payments-microservices/pkg/usage"
)

const (
	SubscriptionActive    = 1
	SubscriptionExhausted = 2
)

const lockSubscriptionsQuery = `
SELECT id FROM user_subscriptions
WHERE id = ANY($1)
ORDER BY id
FOR UPDATE`

const insertLedgerQuery = `
INSERT INTO api_requests (event_id, merchant_id, user_subscription_id, tokens, source, created_at)
SELECT * FROM unnest($1::varchar[], $2::bigint[], $3::bigint[], $4::bigint[], $5::text[], $6::timestamptz[])
ON CONFLICT (event_id) DO NOTHING
RETURNING event_id`

const applyDeltasQuery = `
UPDATE user_subscriptions us
SET used_tokens = us.used_tokens + d.delta,
    status = CASE WHEN us.status = $3 AND us.used_tokens + d.delta >= s.tokens THEN $4 ELSE us.status END,
    updated_at = NOW()
FROM unnest($1::bigint[], $2::bigint[]) AS d(id, delta), subscriptions s
WHERE us.id = d.id AND s.id = us.subscription_id
RETURNING us.id, us.status`

// Outcome reports what one ApplyUsage transaction did with each event.
type Outcome struct {
	// Applied events added a ledger row and their amount to used_tokens.
	Applied []usage.Event
	// Duplicates already had a ledger row; nothing changed for them.
	Duplicates []usage.Event
	// Orphans name a subscription that does not exist.
	Orphans []usage.Event
	// Statuses holds the post-update status of every touched subscription.
	Statuses map[int64]int
}

// Exhausted lists subscriptions that are exhausted after the transaction.
func (o Outcome) Exhausted() []int64 {
	var ids []int64
	for id, status := range o.Statuses {
		if status == SubscriptionExhausted {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// ApplyUsage records events in the ledger and adds their amounts to the
// owning subscriptions in one transaction. An event id already in the
// ledger is skipped, so replaying events never double counts. Rows are
// locked in id order so concurrent workers cannot deadlock each other.
func (s *Store) ApplyUsage(ctx context.Context, events []usage.Event) (Outcome, error) {
	out := Outcome{Statuses: make(map[int64]int)}
	events = uniqueByID(events, &out)
	if len(events) == 0 {
		return out, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	known, err := lockSubscriptions(ctx, tx, events)
	if err != nil {
		return Outcome{}, err
	}
	var candidates []usage.Event
	for _, e := range events {
		if known[e.SubscriptionID] {
			candidates = append(candidates, e)
		} else {
			out.Orphans = append(out.Orphans, e)
		}
	}

	inserted, err := insertLedger(ctx, tx, candidates)
	if err != nil {
		return Outcome{}, err
	}
	deltas := make(map[int64]int64)
	for _, e := range candidates {
		if inserted[e.EventID] {
			out.Applied = append(out.Applied, e)
			deltas[e.SubscriptionID] += e.Amount
		} else {
			out.Duplicates = append(out.Duplicates, e)
		}
	}

	if err := applyDeltas(ctx, tx, deltas, out.Statuses); err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// uniqueByID keeps the first occurrence of each event id; repeats are
// reported as duplicates.
func uniqueByID(events []usage.Event, out *Outcome) []usage.Event {
	seen := make(map[string]bool, len(events))
	unique := events[:0:0]
	for _, e := range events {
		if seen[e.EventID] {
			out.Duplicates = append(out.Duplicates, e)
			continue
		}
		seen[e.EventID] = true
		unique = append(unique, e)
	}
	return unique
}

func lockSubscriptions(ctx context.Context, tx *sql.Tx, events []usage.Event) (map[int64]bool, error) {
	ids := make([]int64, 0, len(events))
	dup := make(map[int64]bool)
	for _, e := range events {
		if !dup[e.SubscriptionID] {
			dup[e.SubscriptionID] = true
			ids = append(ids, e.SubscriptionID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows, err := tx.QueryContext(ctx, lockSubscriptionsQuery, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lock subscriptions: %w", err)
	}
	defer rows.Close()
	known := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscription id: %w", err)
		}
		known[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock subscriptions: %w", err)
	}
	return known, nil
}

func insertLedger(ctx context.Context, tx *sql.Tx, events []usage.Event) (map[string]bool, error) {
	inserted := make(map[string]bool, len(events))
	if len(events) == 0 {
		return inserted, nil
	}
	var (
		ids       = make([]string, len(events))
		merchants = make([]int64, len(events))
		subs      = make([]int64, len(events))
		amounts   = make([]int64, len(events))
		sources   = make([]string, len(events))
		times     = make([]string, len(events))
	)
	for i, e := range events {
		ids[i] = e.EventID
		merchants[i] = e.MerchantID
		subs[i] = e.SubscriptionID
		amounts[i] = e.Amount
		sources[i] = e.Source
		if sources[i] == "" {
			sources[i] = "gateway"
		}
		at := e.OccurredAt
		if at.IsZero() {
			at = time.Now()
		}
		times[i] = at.UTC().Format(time.RFC3339Nano)
	}

	rows, err := tx.QueryContext(ctx, insertLedgerQuery,
		pq.Array(ids), pq.Array(merchants), pq.Array(subs), pq.Array(amounts), pq.Array(sources), pq.Array(times))
	if err != nil {
		return nil, fmt.Errorf("insert ledger: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ledger id: %w", err)
		}
		inserted[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("insert ledger: %w", err)
	}
	return inserted, nil
}

func applyDeltas(ctx context.Context, tx *sql.Tx, deltas map[int64]int64, statuses map[int64]int) error {
	if len(deltas) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	amounts := make([]int64, len(ids))
	for i, id := range ids {
		amounts[i] = deltas[id]
	}

	rows, err := tx.QueryContext(ctx, applyDeltasQuery, pq.Array(ids), pq.Array(amounts), SubscriptionActive, SubscriptionExhausted)
	if err != nil {
		return fmt.Errorf("apply usage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var status int
		if err := rows.Scan(&id, &status); err != nil {
			return fmt.Errorf("scan status: %w", err)
		}
		statuses[id] = status
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("apply usage: %w", err)
	}
	if len(statuses) != len(ids) {
		return fmt.Errorf("apply usage: updated %d of %d subscriptions", len(statuses), len(ids))
	}
	return nil
}
