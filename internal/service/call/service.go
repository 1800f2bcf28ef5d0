package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"storylab-backend/internal/domain"
	apperrors "storylab-backend/pkg/errors"
	"storylab-backend/pkg/logger"
	"storylab-backend/pkg/metrics"
	"storylab-backend/pkg/pagination"
)

// Repository persists call records
type Repository interface {
	Create(ctx context.Context, record *domain.CallRecord) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	ListByRoom(ctx context.Context, roomID string) ([]*domain.CallRecord, error)
	UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) (*domain.CallRecord, error)
	MarkMissed(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	EndByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	EndByRoom(ctx context.Context, roomID string) ([]*domain.CallRecord, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error)
}

// ChangePublisher receives a change event after every record mutation
type ChangePublisher interface {
	Publish(ctx context.Context, change domain.CallChange) error
}

// Service handles call record business logic
type Service struct {
	repo    Repository
	changes ChangePublisher
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a new call service. changes and m may be nil.
func NewService(repo Repository, changes ChangePublisher, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		changes: changes,
		metrics: m,
		now:     time.Now,
	}
}

// InitiateInput contains call initiation data
type InitiateInput struct {
	CallerID    uuid.UUID
	ReceiverIDs []uuid.UUID
	CallType    domain.CallType
	IsGroup     bool
}

// InitiateResult is the first inserted record plus the room every record shares
type InitiateResult struct {
	Record  *domain.CallRecord   `json:"call"`
	RoomID  string               `json:"room_id"`
	Records []*domain.CallRecord `json:"records"`
}

// Initiate creates the records of a new call. A private call gets one
// record; a group call gets one record per receiver, all sharing a room id.
// If any insert fails the whole call fails with every insert error attached.
func (s *Service) Initiate(ctx context.Context, input *InitiateInput) (*InitiateResult, error) {
	if len(input.ReceiverIDs) == 0 {
		return nil, apperrors.InvalidInputError("at least one receiver is required")
	}
	if !input.CallType.Valid() {
		return nil, apperrors.InvalidInputError(fmt.Sprintf("invalid call type %q", input.CallType))
	}

	receivers := make([]uuid.UUID, 0, len(input.ReceiverIDs))
	seen := make(map[uuid.UUID]bool, len(input.ReceiverIDs))
	for _, id := range input.ReceiverIDs {
		if id == uuid.Nil {
			return nil, apperrors.InvalidInputError("receiver id must not be empty")
		}
		if id == input.CallerID {
			return nil, apperrors.InvalidInputError("caller cannot call themselves")
		}
		if !seen[id] {
			seen[id] = true
			receivers = append(receivers, id)
		}
	}
	if !input.IsGroup && len(receivers) != 1 {
		return nil, apperrors.InvalidInputError("a private call has exactly one receiver")
	}

	startedAt := s.now().UTC()
	roomID := s.newRoomID(startedAt, input.IsGroup)

	records := make([]*domain.CallRecord, 0, len(receivers))
	var errs error
	for _, receiverID := range receivers {
		record := &domain.CallRecord{
			ID:         uuid.New(),
			CallerID:   input.CallerID,
			ReceiverID: receiverID,
			CallType:   input.CallType,
			Status:     domain.CallStatusInitiated,
			StartedAt:  startedAt,
			RoomID:     roomID,
			IsGroup:    input.IsGroup,
		}
		if err := s.repo.Create(ctx, record); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("receiver %s: %w", receiverID, err))
			continue
		}
		records = append(records, record)
	}

	if errs != nil {
		logger.Error("Failed to create call records",
			zap.String("room_id", roomID),
			zap.Int("failed", len(multierr.Errors(errs))),
			zap.Int("total", len(receivers)),
			zap.Error(errs))
		if s.metrics != nil {
			s.metrics.RecordCallFailure(string(input.CallType), "insert")
		}
		return nil, apperrors.DatabaseError(errs)
	}

	for _, record := range records {
		s.publish(ctx, domain.CallChangeCreated, record, record.CallerID)
	}
	if s.metrics != nil {
		s.metrics.RecordCall(string(input.CallType), string(domain.CallStatusInitiated))
	}

	logger.Info("Call initiated",
		zap.String("call_id", records[0].ID.String()),
		zap.String("room_id", roomID),
		zap.Bool("is_group", input.IsGroup),
		zap.Int("receivers", len(records)))

	return &InitiateResult{Record: records[0], RoomID: roomID, Records: records}, nil
}

// Accept moves a ringing call to ongoing
func (s *Service) Accept(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	record, err := s.repo.UpdateStatus(ctx, callID, domain.CallStatusOngoing)
	if err != nil {
		return nil, liftError(err)
	}

	s.publish(ctx, domain.CallChangeAccepted, record, record.ReceiverID)
	s.recordStatus(record)
	return record, nil
}

// Reject marks a ringing call missed and stamps ended_at
func (s *Service) Reject(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	record, err := s.repo.MarkMissed(ctx, callID)
	if err != nil {
		return nil, liftError(err)
	}

	s.publish(ctx, domain.CallChangeMissed, record, record.ReceiverID)
	s.recordStatus(record)
	return record, nil
}

// End ends a call. With a room id every record of the room is ended;
// without one only the record callID is.
func (s *Service) End(ctx context.Context, callID uuid.UUID, roomID string) ([]*domain.CallRecord, error) {
	return s.EndAs(ctx, uuid.Nil, callID, roomID)
}

// EndAs is End with the user who hung up recorded on the published changes
func (s *Service) EndAs(ctx context.Context, actorID, callID uuid.UUID, roomID string) ([]*domain.CallRecord, error) {
	var records []*domain.CallRecord

	if roomID != "" {
		ended, err := s.repo.EndByRoom(ctx, roomID)
		if err != nil {
			return nil, liftError(err)
		}
		if len(ended) == 0 {
			return nil, apperrors.CallNotFoundError()
		}
		records = ended
	} else {
		record, err := s.repo.EndByID(ctx, callID)
		if err != nil {
			return nil, liftError(err)
		}
		records = []*domain.CallRecord{record}
	}

	for _, record := range records {
		s.publish(ctx, domain.CallChangeEnded, record, actorID)
		s.recordStatus(record)
	}

	logger.Info("Call ended",
		zap.String("call_id", callID.String()),
		zap.String("room_id", roomID),
		zap.Int("records", len(records)))

	return records, nil
}

// Get returns one call record
func (s *Service) Get(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	record, err := s.repo.GetByID(ctx, callID)
	if err != nil {
		return nil, liftError(err)
	}
	return record, nil
}

// ListRoom returns every record sharing roomID
func (s *Service) ListRoom(ctx context.Context, roomID string) ([]*domain.CallRecord, error) {
	if roomID == "" {
		return nil, apperrors.MissingFieldError("room_id")
	}
	records, err := s.repo.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, liftError(err)
	}
	if len(records) == 0 {
		return nil, apperrors.CallNotFoundError()
	}
	return records, nil
}

// History returns the calls a user placed or received, newest first
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	page := pagination.Clamp(limit, offset)

	records, err := s.repo.GetUserCalls(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return records, nil
}

func (s *Service) publish(ctx context.Context, changeType domain.CallChangeType, record *domain.CallRecord, actorID uuid.UUID) {
	if s.changes == nil {
		return
	}
	change := domain.CallChange{Type: changeType, Record: *record, ActorID: actorID, OccurredAt: s.now().UTC()}
	if err := s.changes.Publish(ctx, change); err != nil {
		logger.Warn("Failed to publish call change",
			zap.String("call_id", record.ID.String()),
			zap.String("type", string(changeType)),
			zap.Error(err))
	}
}

func (s *Service) recordStatus(record *domain.CallRecord) {
	if s.metrics != nil {
		s.metrics.RecordCall(string(record.CallType), string(record.Status))
	}
}

// newRoomID stamps the start time and a random suffix so calls started in
// the same millisecond never share a room
func (s *Service) newRoomID(at time.Time, isGroup bool) string {
	prefix := "call"
	if isGroup {
		prefix = "group"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s", prefix, at.UnixMilli(), suffix)
}

func liftError(err error) error {
	if errors.Is(err, domain.ErrCallNotFound) {
		return apperrors.CallNotFoundError()
	}
	if errors.Is(err, domain.ErrCallNotPending) {
		return apperrors.CallNotPendingError()
	}
	if apperrors.IsAppError(err) {
		return err
	}
	return apperrors.DatabaseError(err)
}
