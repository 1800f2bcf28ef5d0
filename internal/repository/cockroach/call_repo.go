package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"storylab-backend/internal/domain"
)

const callColumns = `id, caller_id, receiver_id, call_type, status, started_at, ended_at, room_id, is_group`

// CallRepository handles call record operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a call record
func (r *CallRepository) Create(ctx context.Context, call *domain.CallRecord) error {
	query := `
		INSERT INTO calls (` + callColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.CallerID,
		call.ReceiverID,
		call.CallType,
		call.Status,
		call.StartedAt,
		call.EndedAt,
		call.RoomID,
		call.IsGroup,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// GetByID retrieves a call record by id
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		return nil, wrapCallErr("failed to get call", err)
	}
	return call, nil
}

// ListByRoom retrieves every record of a room, oldest first
func (r *CallRepository) ListByRoom(ctx context.Context, roomID string) ([]*domain.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE room_id = $1 ORDER BY started_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list room calls: %w", err)
	}
	return collectCalls(rows)
}

// UpdateStatus moves an initiated call to status and returns the updated row.
// Calls past initiated are left untouched and report ErrCallNotPending.
func (r *CallRepository) UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) (*domain.CallRecord, error) {
	query := `
		UPDATE calls
		SET status = $2
		WHERE id = $1 AND status = 'initiated'
		RETURNING ` + callColumns

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID, status))
	if err != nil {
		return nil, r.pendingErr(ctx, callID, "failed to update call status", err)
	}
	return call, nil
}

// MarkMissed marks an initiated call missed and stamps ended_at
func (r *CallRepository) MarkMissed(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	query := `
		UPDATE calls
		SET status = 'missed', ended_at = now()
		WHERE id = $1 AND status = 'initiated'
		RETURNING ` + callColumns

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		return nil, r.pendingErr(ctx, callID, "failed to mark call missed", err)
	}
	return call, nil
}

// pendingErr tells a missing call from one that is no longer initiated when a
// guarded update matched no row
func (r *CallRepository) pendingErr(ctx context.Context, callID uuid.UUID, msg string, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM calls WHERE id = $1)`, callID).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if exists {
		return domain.ErrCallNotPending
	}
	return domain.ErrCallNotFound
}

// EndByID ends one call record
func (r *CallRepository) EndByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	query := `
		UPDATE calls
		SET status = 'ended', ended_at = now()
		WHERE id = $1
		RETURNING ` + callColumns

	call, err := scanCall(r.pool.QueryRow(ctx, query, callID))
	if err != nil {
		return nil, wrapCallErr("failed to end call", err)
	}
	return call, nil
}

// EndByRoom ends every record of a room in one statement
func (r *CallRepository) EndByRoom(ctx context.Context, roomID string) ([]*domain.CallRecord, error) {
	query := `
		UPDATE calls
		SET status = 'ended', ended_at = now()
		WHERE room_id = $1
		RETURNING ` + callColumns

	rows, err := r.pool.Query(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to end room calls: %w", err)
	}
	return collectCalls(rows)
}

// GetUserCalls retrieves the calls a user placed or received, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT ` + callColumns + `
		FROM calls
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	return collectCalls(rows)
}

func scanCall(row pgx.Row) (*domain.CallRecord, error) {
	call := &domain.CallRecord{}
	err := row.Scan(
		&call.ID,
		&call.CallerID,
		&call.ReceiverID,
		&call.CallType,
		&call.Status,
		&call.StartedAt,
		&call.EndedAt,
		&call.RoomID,
		&call.IsGroup,
	)
	if err != nil {
		return nil, err
	}
	return call, nil
}

func collectCalls(rows pgx.Rows) ([]*domain.CallRecord, error) {
	defer rows.Close()

	calls := []*domain.CallRecord{}
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}
	return calls, nil
}

func wrapCallErr(msg string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrCallNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}
