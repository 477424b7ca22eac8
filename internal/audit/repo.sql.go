package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the audit trail.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends an entry and returns it with the assigned sequence number.
func (r *Repository) Insert(ctx context.Context, entry Entry) (Entry, error) {
	before, err := json.Marshal(entry.Before)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal before: %w", err)
	}
	after, err := json.Marshal(entry.After)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal after: %w", err)
	}
	err = r.pool.QueryRow(ctx,
		`INSERT INTO audit_log (id, actor_id, action, target_kind, target_id, before, after, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING seq`,
		entry.ID, entry.ActorID, entry.Action, entry.TargetKind, entry.TargetID, before, after, entry.At).
		Scan(&entry.Seq)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: insert: %w", err)
	}
	return entry, nil
}

// Query returns entries matching the filter in sequence-number order.
func (r *Repository) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.ActorID != 0 {
		conds = append(conds, "actor_id = "+arg(filter.ActorID))
	}
	if filter.TargetKind != "" {
		conds = append(conds, "target_kind = "+arg(filter.TargetKind))
	}
	if filter.TargetID != "" {
		conds = append(conds, "target_id = "+arg(filter.TargetID))
	}
	if !filter.From.IsZero() {
		conds = append(conds, "occurred_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "occurred_at <= "+arg(filter.To))
	}
	query := `SELECT seq, id, actor_id, action, target_kind, target_id, before, after, occurred_at FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			entry      Entry
			before     []byte
			after      []byte
			occurredAt pgtype.Timestamptz
		)
		if err := rows.Scan(&entry.Seq, &entry.ID, &entry.ActorID, &entry.Action, &entry.TargetKind, &entry.TargetID, &before, &after, &occurredAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if occurredAt.Valid {
			entry.At = occurredAt.Time
		}
		if len(before) > 0 {
			if err := json.Unmarshal(before, &entry.Before); err != nil {
				return nil, fmt.Errorf("audit: unmarshal before: %w", err)
			}
		}
		if len(after) > 0 {
			if err := json.Unmarshal(after, &entry.After); err != nil {
				return nil, fmt.Errorf("audit: unmarshal after: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return entries, nil
}
