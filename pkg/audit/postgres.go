package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema creates the audit table. Appends are plain inserts; the
// table carries no update or delete path.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS vigil_audit (
    ord          BIGSERIAL PRIMARY KEY,
    id           TEXT NOT NULL UNIQUE,
    event_type   TEXT NOT NULL,
    actor        TEXT NOT NULL,
    subject_hash TEXT NOT NULL DEFAULT '',
    instance_id  TEXT NOT NULL DEFAULT '',
    seq          BIGINT NOT NULL DEFAULT 0,
    ts           TIMESTAMPTZ NOT NULL,
    payload      JSONB,
    prev_hash    TEXT NOT NULL,
    hash         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS vigil_audit_subject_idx ON vigil_audit (subject_hash, ts);
CREATE INDEX IF NOT EXISTS vigil_audit_instance_idx ON vigil_audit (instance_id, ts);
`

// PostgresLog writes the chain to Postgres. The chain head is held in
// process and recovered from the latest row at open, so a single writer
// per deployment is assumed (matching the single audit log the core runs).
type PostgresLog struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	lastHash string
}

var _ Log = (*PostgresLog)(nil)

func OpenPostgresLog(ctx context.Context, pool *pgxpool.Pool) (*PostgresLog, error) {
	l := &PostgresLog{pool: pool}
	row := pool.QueryRow(ctx, `SELECT hash FROM vigil_audit ORDER BY ord DESC LIMIT 1`)
	var head string
	if err := row.Scan(&head); err != nil {
		if !strings.Contains(err.Error(), "no rows") {
			return nil, fmt.Errorf("recover audit head: %w", err)
		}
	}
	l.lastHash = head
	return l, nil
}

func (l *PostgresLog) Append(ctx context.Context, ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.ID = uuid.NewString()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Payload = RedactPayload(ev.Payload)
	ev.PrevHash = l.lastHash
	ev.Hash = chainHash(l.lastHash, ev)

	var payload []byte
	if ev.Payload != nil {
		var err error
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal audit payload: %w", err)
		}
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO vigil_audit (id, event_type, actor, subject_hash, instance_id, seq, ts, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, string(ev.Type), ev.Actor, ev.SubjectHash, ev.InstanceID, ev.Seq,
		ev.Timestamp, payload, ev.PrevHash, ev.Hash)
	if err != nil {
		return Event{}, fmt.Errorf("insert audit event: %w", err)
	}
	l.lastHash = ev.Hash
	return ev, nil
}

func (l *PostgresLog) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, cond+"$"+strconv.Itoa(len(args)))
	}
	if f.SubjectHash != "" {
		add("subject_hash = ", f.SubjectHash)
	}
	if f.InstanceID != "" {
		add("instance_id = ", f.InstanceID)
	}
	if f.Type != "" {
		add("event_type = ", string(f.Type))
	}
	if !f.From.IsZero() {
		add("ts >= ", f.From)
	}
	if !f.To.IsZero() {
		add("ts <= ", f.To)
	}
	q := `SELECT id, event_type, actor, subject_hash, instance_id, seq, ts, payload, prev_hash, hash FROM vigil_audit`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY ord"
	if f.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := l.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Actor, &ev.SubjectHash, &ev.InstanceID,
			&ev.Seq, &ev.Timestamp, &payload, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
