package webhook

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskStore is the persistence boundary of the retry queue. The production
// implementation is PGTaskStore; tests use an in-memory fake.
type TaskStore interface {
	Insert(ctx context.Context, t *Task) error
	Due(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	MarkDelivered(ctx context.Context, id string, now time.Time) error
	MarkRetry(ctx context.Context, id string, attempts int, nextAt time.Time, lastError string, now time.Time) error
	MarkExhausted(ctx context.Context, id string, attempts int, lastError string, now time.Time) error
	Stats(ctx context.Context) (Stats, error)
}

// PGTaskStore stores retry tasks in the webhook_tasks table.
type PGTaskStore struct {
	pool *pgxpool.Pool
}

func NewPGTaskStore(pool *pgxpool.Pool) *PGTaskStore {
	return &PGTaskStore{pool: pool}
}

func (s *PGTaskStore) Insert(ctx context.Context, t *Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_tasks (id, tenant_id, target_id, target_url, delivery_id, payload, signature, status, attempts, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		t.ID, t.TenantID, t.TargetID, t.TargetURL, t.DeliveryID, t.Payload, t.Signature, t.Status, t.Attempts, t.NextAttemptAt, t.CreatedAt,
	)
	return err
}

// Due returns pending tasks whose next attempt time has passed, oldest
// first, so retries of one target keep their relative order.
func (s *PGTaskStore) Due(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, target_id, target_url, delivery_id, payload, signature, status, attempts, next_attempt_at, COALESCE(last_error, ''), created_at, updated_at
		 FROM webhook_tasks
		 WHERE status = $1 AND next_attempt_at <= $2
		 ORDER BY next_attempt_at ASC
		 LIMIT $3`,
		StatusPending, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.TenantID, &t.TargetID, &t.TargetURL, &t.DeliveryID, &t.Payload, &t.Signature,
			&t.Status, &t.Attempts, &t.NextAttemptAt, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *PGTaskStore) MarkDelivered(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_tasks SET status = $1, updated_at = $2 WHERE id = $3`,
		StatusDelivered, now, id,
	)
	return err
}

func (s *PGTaskStore) MarkRetry(ctx context.Context, id string, attempts int, nextAt time.Time, lastError string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_tasks SET attempts = $1, next_attempt_at = $2, last_error = $3, updated_at = $4 WHERE id = $5`,
		attempts, nextAt, lastError, now, id,
	)
	return err
}

func (s *PGTaskStore) MarkExhausted(ctx context.Context, id string, attempts int, lastError string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_tasks SET status = $1, attempts = $2, last_error = $3, updated_at = $4 WHERE id = $5`,
		StatusExhausted, attempts, lastError, now, id,
	)
	return err
}

func (s *PGTaskStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM webhook_tasks GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return st, err
		}
		switch status {
		case StatusPending:
			st.Pending = count
		case StatusDelivered:
			st.Delivered = count
		case StatusExhausted:
			st.Exhausted = count
		}
	}
	return st, rows.Err()
}
