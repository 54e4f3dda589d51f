package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ronanzhan/servicecomb-saga/pkg/saga"
)

const eventColumns = `id, saga_id, step_id, parent_step_id, service_name, instance_id, type,
	compensation_method, payloads, retry_method, retries, expires_at, created_at, updated_at`

// liveAbort 限定 a 为未被同一步骤后续重试覆盖的 StepAborted
const liveAbort = `a.type = 'StepAborted'
	AND NOT EXISTS (
		SELECT 1 FROM saga_alpha.tx_events r
		WHERE r.saga_id = a.saga_id AND r.step_id = a.step_id
		  AND r.type = 'StepStarted' AND r.id > a.id
	)`

// EventRepository 事件日志仓储
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository 创建仓储
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append 追加事件；唯一约束冲突返回 saga.ErrDuplicateEvent
func (r *EventRepository) Append(ctx context.Context, e saga.Event) (saga.Event, error) {
	e = e.Normalized()
	now := nowUTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	query := `
		INSERT INTO saga_alpha.tx_events
		(saga_id, step_id, parent_step_id, service_name, instance_id, type,
		 compensation_method, payloads, retry_method, retries, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		e.SagaID, e.StepID, e.ParentStepID, e.ServiceName, e.InstanceID, e.Type.String(),
		e.CompensationMethod, e.Payloads, e.RetryMethod, e.Retries, e.ExpiresAt, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
	if isUniqueViolation(err) {
		return saga.Event{}, saga.ErrDuplicateEvent
	}
	if err != nil {
		return saga.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

// FindUnwatchedDeadlineEvents 查询带截止时间、未被监控且步骤仍未结束的事件
func (r *EventRepository) FindUnwatchedDeadlineEvents(ctx context.Context) ([]saga.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM saga_alpha.tx_events e
		WHERE e.expires_at < $1
		  AND NOT EXISTS (SELECT 1 FROM saga_alpha.tx_timeouts t WHERE t.event_id = e.id)
		  AND NOT EXISTS (
			SELECT 1 FROM saga_alpha.tx_events o
			WHERE o.saga_id = e.saga_id AND o.step_id = e.step_id
			  AND o.type <> e.type AND o.id > e.id
		  )
		ORDER BY e.id
	`
	return r.queryEvents(ctx, "query deadline events", query, saga.NoDeadline)
}

// FindNextUncompensatedEndedEvent 游标之后第一个属于失败且未关闭 saga、尚无补偿命令的 StepEnded
func (r *EventRepository) FindNextUncompensatedEndedEvent(ctx context.Context, cursor int64) ([]saga.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM saga_alpha.tx_events e
		WHERE e.id > $1 AND e.type = 'StepEnded'
		  AND NOT EXISTS (
			SELECT 1 FROM saga_alpha.commands c
			WHERE c.saga_id = e.saga_id AND c.step_id = e.step_id
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM saga_alpha.tx_events x
			WHERE x.saga_id = e.saga_id
			  AND (x.type = 'SagaEnded' OR (x.type = 'StepCompensated' AND x.step_id = e.step_id))
		  )
		  AND EXISTS (
			SELECT 1 FROM saga_alpha.tx_events a
			WHERE a.saga_id = e.saga_id AND ` + liveAbort + `
		  )
		ORDER BY e.id
		LIMIT 1
	`
	return r.queryEvents(ctx, "query uncompensated ended event", query, cursor)
}

// FindNextCompensationAck 游标之后第一个 StepCompensated
func (r *EventRepository) FindNextCompensationAck(ctx context.Context, cursor int64) (saga.Event, bool, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM saga_alpha.tx_events
		WHERE id > $1 AND type = 'StepCompensated'
		ORDER BY id
		LIMIT 1
	`
	return r.queryOne(ctx, "query compensation ack", query, cursor)
}

// FindAbortedSagasPendingClosure 每个尚无 SagaEnded 的失败 saga 返回一条 StepAborted
func (r *EventRepository) FindAbortedSagasPendingClosure(ctx context.Context) ([]saga.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM (
			SELECT DISTINCT ON (a.saga_id) a.*
			FROM saga_alpha.tx_events a
			WHERE ` + liveAbort + `
			  AND NOT EXISTS (
				SELECT 1 FROM saga_alpha.tx_events x
				WHERE x.saga_id = a.saga_id AND x.type = 'SagaEnded'
			  )
			ORDER BY a.saga_id, a.id
		) p
		ORDER BY p.id
	`
	return r.queryEvents(ctx, "query aborted sagas", query)
}

// FindStartEvent 查询步骤最近一次 StepStarted
func (r *EventRepository) FindStartEvent(ctx context.Context, sagaID, stepID string) (saga.Event, bool, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM saga_alpha.tx_events
		WHERE saga_id = $1 AND step_id = $2 AND type = 'StepStarted'
		ORDER BY id DESC
		LIMIT 1
	`
	return r.queryOne(ctx, "query start event", query, sagaID, stepID)
}

// FindEvents 查询 saga 的事件；t 为 0 时返回全部类型
func (r *EventRepository) FindEvents(ctx context.Context, sagaID string, t saga.EventType) ([]saga.Event, error) {
	typ := ""
	if t != 0 {
		typ = t.String()
	}
	query := `
		SELECT ` + eventColumns + `
		FROM saga_alpha.tx_events
		WHERE saga_id = $1 AND ($2::text = '' OR type = $2::text)
		ORDER BY id
	`
	return r.queryEvents(ctx, "query saga events", query, sagaID, typ)
}

// DeleteDuplicates 删除同一 saga 下重复的 t 类型事件，保留 id 最小的一条
func (r *EventRepository) DeleteDuplicates(ctx context.Context, t saga.EventType) (int64, error) {
	query := `
		DELETE FROM saga_alpha.tx_events e
		USING saga_alpha.tx_events d
		WHERE e.type = $1 AND d.type = $1
		  AND e.saga_id = d.saga_id AND e.id > d.id
	`
	res, err := r.db.ExecContext(ctx, query, t.String())
	if err != nil {
		return 0, fmt.Errorf("delete duplicate events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete duplicate events rows affected: %w", err)
	}
	return n, nil
}

func (r *EventRepository) queryEvents(ctx context.Context, op, query string, args ...any) ([]saga.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var events []saga.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return events, nil
}

func (r *EventRepository) queryOne(ctx context.Context, op, query string, args ...any) (saga.Event, bool, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return saga.Event{}, false, nil
	}
	if err != nil {
		return saga.Event{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return e, true, nil
}

func scanEvent(row rowScanner) (saga.Event, error) {
	var (
		e   saga.Event
		typ string
	)
	if err := row.Scan(
		&e.ID, &e.SagaID, &e.StepID, &e.ParentStepID, &e.ServiceName, &e.InstanceID, &typ,
		&e.CompensationMethod, &e.Payloads, &e.RetryMethod, &e.Retries, &e.ExpiresAt, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return saga.Event{}, err
	}
	t, err := parseType(typ)
	if err != nil {
		return saga.Event{}, err
	}
	e.Type = t
	return e, nil
}
