package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/ronanzhan/servicecomb-saga/pkg/saga"
)

// TimeoutRepository 超时监控仓储
type TimeoutRepository struct {
	db *sql.DB
}

// NewTimeoutRepository 创建仓储
func NewTimeoutRepository(db *sql.DB) *TimeoutRepository {
	return &TimeoutRepository{db: db}
}

// Save 为事件登记监控；同一事件重复登记被忽略
func (r *TimeoutRepository) Save(ctx context.Context, t saga.Timeout) error {
	if t.Status == "" {
		t.Status = saga.TimeoutNew
	}
	now := nowUTC()
	query := `
		INSERT INTO saga_alpha.tx_timeouts
		(event_id, saga_id, step_id, parent_step_id, service_name, instance_id, type, retries, expires_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		t.EventID, t.SagaID, t.StepID, t.ParentStepID, t.ServiceName, t.InstanceID, t.Type.String(),
		t.Retries, t.ExpiresAt, string(t.Status), now,
	)
	if err != nil {
		return fmt.Errorf("insert timeout: %w", err)
	}
	return nil
}

// ResolveCompletedWatches 被监控步骤已出现后续事件的监控置为 DONE
func (r *TimeoutRepository) ResolveCompletedWatches(ctx context.Context) (int64, error) {
	query := `
		UPDATE saga_alpha.tx_timeouts t
		SET status = 'DONE', updated_at = $1
		WHERE t.status = 'NEW'
		  AND EXISTS (
			SELECT 1 FROM saga_alpha.tx_events o
			WHERE o.saga_id = t.saga_id AND o.step_id = t.step_id
			  AND o.type <> t.type AND o.id > t.event_id
		  )
	`
	res, err := r.db.ExecContext(ctx, query, nowUTC())
	if err != nil {
		return 0, fmt.Errorf("resolve watches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resolve watches rows affected: %w", err)
	}
	return n, nil
}

// ClaimDueWatches 原子认领到期监控；SKIP LOCKED 保证多实例下每条只被认领一次
func (r *TimeoutRepository) ClaimDueWatches(ctx context.Context, now time.Time) ([]saga.Timeout, error) {
	query := `
		UPDATE saga_alpha.tx_timeouts
		SET status = 'DONE', updated_at = $1
		WHERE id IN (
			SELECT id FROM saga_alpha.tx_timeouts
			WHERE status = 'NEW' AND expires_at <= $1
			ORDER BY expires_at, id
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, saga_id, step_id, parent_step_id, service_name, instance_id, type, retries, expires_at, status
	`
	rows, err := r.db.QueryContext(ctx, query, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("claim due watches: %w", err)
	}
	defer rows.Close()

	var out []saga.Timeout
	for rows.Next() {
		var (
			t           saga.Timeout
			typ, status string
		)
		if err := rows.Scan(&t.ID, &t.EventID, &t.SagaID, &t.StepID, &t.ParentStepID,
			&t.ServiceName, &t.InstanceID, &typ, &t.Retries, &t.ExpiresAt, &status); err != nil {
			return nil, fmt.Errorf("scan timeout: %w", err)
		}
		if t.Type, err = parseType(typ); err != nil {
			return nil, err
		}
		t.Status = saga.TimeoutStatus(status)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due watches: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ReleaseWatches 将已认领但未处理完的监控退回 NEW
func (r *TimeoutRepository) ReleaseWatches(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE saga_alpha.tx_timeouts
		SET status = 'NEW', updated_at = $2
		WHERE id = ANY($1) AND status = 'DONE'
	`
	if _, err := r.db.ExecContext(ctx, query, pq.Array(ids), nowUTC()); err != nil {
		return fmt.Errorf("release watches: %w", err)
	}
	return nil
}
