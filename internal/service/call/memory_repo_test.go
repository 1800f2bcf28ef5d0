package call

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"storylab-backend/internal/domain"
)

// memoryRepository is a map-backed Repository for lifecycle tests
type memoryRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.CallRecord
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{records: make(map[uuid.UUID]*domain.CallRecord)}
}

func (r *memoryRepository) Create(_ context.Context, record *domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *record
	r.records[record.ID] = &cp
	return nil
}

func (r *memoryRepository) GetByID(_ context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memoryRepository) ListByRoom(_ context.Context, roomID string) ([]*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.CallRecord
	for _, rec := range r.records {
		if rec.RoomID == roomID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *memoryRepository) mutate(callID uuid.UUID, fn func(*domain.CallRecord)) (*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	fn(rec)
	cp := *rec
	return &cp, nil
}

func (r *memoryRepository) pending(callID uuid.UUID, fn func(*domain.CallRecord)) (*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[callID]
	if !ok {
		return nil, domain.ErrCallNotFound
	}
	if rec.Status != domain.CallStatusInitiated {
		return nil, domain.ErrCallNotPending
	}
	fn(rec)
	cp := *rec
	return &cp, nil
}

func (r *memoryRepository) UpdateStatus(_ context.Context, callID uuid.UUID, status domain.CallStatus) (*domain.CallRecord, error) {
	return r.pending(callID, func(rec *domain.CallRecord) { rec.Status = status })
}

func (r *memoryRepository) MarkMissed(_ context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	return r.pending(callID, func(rec *domain.CallRecord) {
		now := time.Now()
		rec.Status = domain.CallStatusMissed
		rec.EndedAt = &now
	})
}

func (r *memoryRepository) EndByID(_ context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	return r.mutate(callID, func(rec *domain.CallRecord) {
		now := time.Now()
		rec.Status = domain.CallStatusEnded
		rec.EndedAt = &now
	})
}

func (r *memoryRepository) EndByRoom(ctx context.Context, roomID string) ([]*domain.CallRecord, error) {
	room, _ := r.ListByRoom(ctx, roomID)
	out := make([]*domain.CallRecord, 0, len(room))
	for _, rec := range room {
		ended, err := r.EndByID(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ended)
	}
	return out, nil
}

func (r *memoryRepository) GetUserCalls(_ context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.CallRecord
	for _, rec := range r.records {
		if rec.Involves(userID) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if offset >= len(out) {
		return []*domain.CallRecord{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
