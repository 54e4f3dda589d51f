package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ronanzhan/servicecomb-saga/pkg/saga"
)

const commandColumns = `id, event_id, saga_id, step_id, parent_step_id, service_name, instance_id,
	compensation_method, payloads, status, created_at, updated_at`

// CommandRepository 补偿命令仓储
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository 创建仓储
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

// MaterializeFor 为 saga 中已结束且未补偿的步骤生成补偿命令（幂等）
func (r *CommandRepository) MaterializeFor(ctx context.Context, sagaID string) (int64, error) {
	query := `
		INSERT INTO saga_alpha.commands
		(event_id, saga_id, step_id, parent_step_id, service_name, instance_id,
		 compensation_method, payloads, status, created_at, updated_at)
		SELECT s.id, s.saga_id, s.step_id, s.parent_step_id, s.service_name, s.instance_id,
		       s.compensation_method, s.payloads, 'PENDING', $2::timestamptz, $2::timestamptz
		FROM (
			SELECT DISTINCT ON (step_id) *
			FROM saga_alpha.tx_events
			WHERE saga_id = $1 AND type = 'StepStarted'
			ORDER BY step_id, id DESC
		) s
		WHERE EXISTS (
			SELECT 1 FROM saga_alpha.tx_events e
			WHERE e.saga_id = s.saga_id AND e.step_id = s.step_id
			  AND e.type = 'StepEnded' AND e.id > s.id
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM saga_alpha.tx_events k
			WHERE k.saga_id = s.saga_id AND k.step_id = s.step_id AND k.type = 'StepCompensated'
		  )
		ORDER BY s.id
		ON CONFLICT (saga_id, step_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, sagaID, nowUTC())
	if err != nil {
		return 0, fmt.Errorf("materialize commands: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("materialize commands rows affected: %w", err)
	}
	return n, nil
}

// FindPendingCommands 查询待执行的补偿命令
func (r *CommandRepository) FindPendingCommands(ctx context.Context) ([]saga.Command, error) {
	query := `
		SELECT ` + commandColumns + `
		FROM saga_alpha.commands
		WHERE status = 'PENDING'
		ORDER BY id
	`
	return r.queryCommands(ctx, "query pending commands", query)
}

// MarkDone 标记补偿完成；不存在或已完成时无操作
func (r *CommandRepository) MarkDone(ctx context.Context, sagaID, stepID string) error {
	query := `
		UPDATE saga_alpha.commands
		SET status = 'DONE', updated_at = $3
		WHERE saga_id = $1 AND step_id = $2 AND status = 'PENDING'
	`
	if _, err := r.db.ExecContext(ctx, query, sagaID, stepID, nowUTC()); err != nil {
		return fmt.Errorf("mark command done: %w", err)
	}
	return nil
}

// FindIncomplete 查询 saga 未完成的命令
func (r *CommandRepository) FindIncomplete(ctx context.Context, sagaID string) ([]saga.Command, error) {
	query := `
		SELECT ` + commandColumns + `
		FROM saga_alpha.commands
		WHERE saga_id = $1 AND status <> 'DONE'
		ORDER BY id
	`
	return r.queryCommands(ctx, "query incomplete commands", query, sagaID)
}

func (r *CommandRepository) queryCommands(ctx context.Context, op, query string, args ...any) ([]saga.Command, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []saga.Command
	for rows.Next() {
		var (
			c      saga.Command
			status string
		)
		if err := rows.Scan(&c.ID, &c.EventID, &c.SagaID, &c.StepID, &c.ParentStepID, &c.ServiceName,
			&c.InstanceID, &c.CompensationMethod, &c.Payloads, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		c.Status = saga.CommandStatus(status)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
