package webhook

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TargetStore looks up the registered callback endpoints of a tenant.
type TargetStore interface {
	ListActiveByTenant(ctx context.Context, tenantID string) ([]*Target, error)
}

// PGTargetStore reads targets from the webhook_targets table.
type PGTargetStore struct {
	pool *pgxpool.Pool
}

func NewPGTargetStore(pool *pgxpool.Pool) *PGTargetStore {
	return &PGTargetStore{pool: pool}
}

func (s *PGTargetStore) ListActiveByTenant(ctx context.Context, tenantID string) ([]*Target, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, url, secret, active, created_at
		 FROM webhook_targets
		 WHERE tenant_id = $1 AND active = true`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []*Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.ID, &t.TenantID, &t.URL, &t.Secret, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		targets = append(targets, &t)
	}
	return targets, rows.Err()
}
