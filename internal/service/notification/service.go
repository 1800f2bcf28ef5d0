package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"storylab-backend/internal/changefeed"
	"storylab-backend/internal/domain"
	"storylab-backend/pkg/constants"
	apperrors "storylab-backend/pkg/errors"
	"storylab-backend/pkg/logger"
	"storylab-backend/pkg/metrics"
	"storylab-backend/pkg/pagination"
	"storylab-backend/pkg/push"
)

// Repository persists notifications
type Repository interface {
	Create(ctx context.Context, notification *domain.NotificationCreate) (*domain.Notification, error)
	Exists(ctx context.Context, userID uuid.UUID, notifType string, callID uuid.UUID) (bool, error)
	GetByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Notification, int, error)
	GetUnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
	MarkAsRead(ctx context.Context, notificationID, userID uuid.UUID) error
	MarkAllAsRead(ctx context.Context, userID uuid.UUID) error
}

// UserDirectory resolves the name shown for a user in notification text
type UserDirectory interface {
	GetDisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

// Pusher delivers a push message to every device of a user
type Pusher interface {
	SendToUser(ctx context.Context, userID uuid.UUID, msg *push.Message) (*push.SendResult, error)
}

// ChangeSource streams call record changes. *changefeed.Feed satisfies it.
type ChangeSource interface {
	Subscribe(ctx context.Context, h changefeed.Handler) (stop func(), err error)
}

// Delivery outcomes recorded in metrics
const (
	outcomeCreated   = "created"
	outcomeDuplicate = "duplicate"
	outcomeFailed    = "failed"
)

// Service turns call changes into stored notifications and push messages,
// and serves the notification inbox.
type Service struct {
	repo    Repository
	users   UserDirectory
	pusher  Pusher
	source  ChangeSource
	metrics *metrics.Metrics

	mu    sync.Mutex
	local map[uuid.UUID][]*domain.LocalNotification
	stop  func()
}

// NewService creates a notification service. pusher and m may be nil.
func NewService(repo Repository, users UserDirectory, pusher Pusher, source ChangeSource, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		users:   users,
		pusher:  pusher,
		source:  source,
		metrics: m,
		local:   make(map[uuid.UUID][]*domain.LocalNotification),
	}
}

// Start subscribes to the call change stream. Calling it twice is an error.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return fmt.Errorf("notification fan-out already started")
	}

	stop, err := s.source.Subscribe(ctx, func(ctx context.Context, change domain.CallChange) {
		if err := s.HandleChange(ctx, change); err != nil {
			logger.Warn("Failed to handle call change",
				zap.String("call_id", change.Record.ID.String()),
				zap.String("type", string(change.Type)),
				zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	s.stop = stop

	logger.Info("Notification fan-out started")
	return nil
}

// Dispose stops the subscription started by Start
func (s *Service) Dispose() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		logger.Info("Notification fan-out stopped")
	}
}

// HandleChange creates the notification a change calls for, if any, and
// pushes it. A change already notified for the same user, type and call is
// skipped.
func (s *Service) HandleChange(ctx context.Context, change domain.CallChange) error {
	var errs error
	for _, create := range s.notificationsFor(ctx, change) {
		errs = multierr.Append(errs, s.deliver(ctx, create))
	}
	return errs
}

// notificationsFor maps a change to the notifications it produces
func (s *Service) notificationsFor(ctx context.Context, change domain.CallChange) []*domain.NotificationCreate {
	record := change.Record
	callID := record.ID

	data := map[string]interface{}{
		"call_id":   record.ID.String(),
		"room_id":   record.RoomID,
		"call_type": string(record.CallType),
		"is_group":  record.IsGroup,
		"caller_id": record.CallerID.String(),
	}

	switch change.Type {
	case domain.CallChangeCreated:
		caller := s.displayName(ctx, record.CallerID)
		return []*domain.NotificationCreate{{
			UserID: record.ReceiverID,
			Type:   domain.NotificationIncomingCall,
			Title:  incomingTitle(record.CallType),
			Body:   fmt.Sprintf("%s is calling you", caller),
			CallID: &callID,
			Data:   data,
		}}

	case domain.CallChangeMissed:
		receiver := s.displayName(ctx, record.ReceiverID)
		return []*domain.NotificationCreate{{
			UserID: record.CallerID,
			Type:   domain.NotificationMissedCall,
			Title:  "Missed call",
			Body:   fmt.Sprintf("%s didn't answer your call", receiver),
			CallID: &callID,
			Data:   data,
		}}

	case domain.CallChangeEnded:
		var out []*domain.NotificationCreate
		for _, userID := range endedRecipients(record, change.ActorID) {
			other := s.displayName(ctx, record.OtherParty(userID))
			out = append(out, &domain.NotificationCreate{
				UserID: userID,
				Type:   domain.NotificationCallEnded,
				Title:  "Call ended",
				Body:   fmt.Sprintf("Your call with %s has ended", other),
				CallID: &callID,
				Data:   data,
			})
		}
		return out
	}

	return nil
}

// endedRecipients is the other party of the user who hung up. An unknown
// actor notifies both parties. In a group room an actor outside this record
// notifies only its receiver, the caller hearing about it once from their
// own record.
func endedRecipients(record domain.CallRecord, actorID uuid.UUID) []uuid.UUID {
	switch {
	case actorID == uuid.Nil:
		return []uuid.UUID{record.CallerID, record.ReceiverID}
	case record.Involves(actorID):
		return []uuid.UUID{record.OtherParty(actorID)}
	default:
		return []uuid.UUID{record.ReceiverID}
	}
}

func (s *Service) deliver(ctx context.Context, create *domain.NotificationCreate) error {
	exists, err := s.repo.Exists(ctx, create.UserID, create.Type, *create.CallID)
	if err != nil {
		s.record(create.Type, outcomeFailed)
		return apperrors.DatabaseError(err)
	}
	if exists {
		s.record(create.Type, outcomeDuplicate)
		logger.Debug("Notification already exists",
			zap.String("user_id", create.UserID.String()),
			zap.String("type", create.Type),
			zap.String("call_id", create.CallID.String()))
		return nil
	}

	local := s.hold(create)

	stored, err := s.repo.Create(ctx, create)
	if err != nil {
		s.resolve(local, nil, domain.DeliveryFailed)
		s.record(create.Type, outcomeFailed)
		return apperrors.DatabaseError(err)
	}
	s.resolve(local, stored, domain.DeliveryConfirmed)
	s.record(create.Type, outcomeCreated)

	logger.Info("Notification created",
		zap.String("notification_id", stored.NotificationID.String()),
		zap.String("user_id", stored.UserID.String()),
		zap.String("type", stored.Type))

	s.push(ctx, stored)
	return nil
}

// hold appends a pending copy of create to the user's local list
func (s *Service) hold(create *domain.NotificationCreate) *domain.LocalNotification {
	local := &domain.LocalNotification{
		Notification: domain.Notification{
			NotificationID: uuid.New(),
			UserID:         create.UserID,
			Type:           create.Type,
			Title:          create.Title,
			Body:           create.Body,
			CallID:         create.CallID,
			Data:           create.Data,
		},
		Status: domain.DeliveryPending,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.local[create.UserID], local)
	if len(list) > constants.MaxPageSize {
		list = list[len(list)-constants.MaxPageSize:]
	}
	s.local[create.UserID] = list
	return local
}

// resolve settles a pending local notification. Once confirmed it takes the
// stored row's id and timestamps.
func (s *Service) resolve(local *domain.LocalNotification, stored *domain.Notification, status domain.DeliveryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored != nil {
		local.Notification = *stored
	}
	local.Status = status
}

func (s *Service) push(ctx context.Context, n *domain.Notification) {
	if s.pusher == nil {
		return
	}

	msg := &push.Message{
		Title:    n.Title,
		Body:     n.Body,
		Priority: "normal",
		Sound:    "default",
		Category: n.Type,
		Data: map[string]string{
			"type":            n.Type,
			"notification_id": n.NotificationID.String(),
		},
	}
	if n.CallID != nil {
		msg.Data["call_id"] = n.CallID.String()
	}
	if roomID, ok := n.Data["room_id"].(string); ok {
		msg.Data["room_id"] = roomID
	}
	if n.Type == domain.NotificationIncomingCall {
		msg.Priority = "high"
	}

	if _, err := s.pusher.SendToUser(ctx, n.UserID, msg); err != nil {
		logger.Warn("Failed to push notification",
			zap.String("notification_id", n.NotificationID.String()),
			zap.String("user_id", n.UserID.String()),
			zap.Error(err))
	}
}

func (s *Service) displayName(ctx context.Context, userID uuid.UUID) string {
	if s.users != nil {
		name, err := s.users.GetDisplayName(ctx, userID)
		if err == nil && name != "" {
			return name
		}
		if err != nil {
			logger.Debug("Failed to resolve display name",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}
	return "Someone"
}

func (s *Service) record(notifType, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordNotification(notifType, outcome)
	}
}

// Local returns the user's locally held notifications, newest last
func (s *Service) Local(userID uuid.UUID) []domain.LocalNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.local[userID]
	out := make([]domain.LocalNotification, len(list))
	for i, n := range list {
		out[i] = *n
	}
	return out
}

// List returns one page of the user's notifications
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit, offset int) (*domain.NotificationListResponse, error) {
	page := pagination.Clamp(limit, offset)

	notifications, totalCount, err := s.repo.GetByUserID(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if notifications == nil {
		notifications = []domain.Notification{}
	}

	unreadCount, err := s.repo.GetUnreadCount(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	return &domain.NotificationListResponse{
		Notifications: notifications,
		UnreadCount:   unreadCount,
		TotalCount:    totalCount,
		HasMore:       page.Offset+len(notifications) < totalCount,
	}, nil
}

// MarkAsRead marks one of the user's notifications read
func (s *Service) MarkAsRead(ctx context.Context, notificationID, userID uuid.UUID) error {
	if err := s.repo.MarkAsRead(ctx, notificationID, userID); err != nil {
		if errors.Is(err, domain.ErrNotificationNotFound) {
			return apperrors.NotificationNotFoundError()
		}
		return apperrors.DatabaseError(err)
	}
	s.markLocal(userID, func(n *domain.LocalNotification) bool { return n.NotificationID == notificationID })
	return nil
}

// MarkAllAsRead marks every notification of the user read
func (s *Service) MarkAllAsRead(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.MarkAllAsRead(ctx, userID); err != nil {
		return apperrors.DatabaseError(err)
	}
	s.markLocal(userID, func(*domain.LocalNotification) bool { return true })
	return nil
}

// UnreadCount returns the number of unread notifications of the user
func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	count, err := s.repo.GetUnreadCount(ctx, userID)
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}
	return count, nil
}

func (s *Service) markLocal(userID uuid.UUID, match func(*domain.LocalNotification) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.local[userID] {
		if match(n) {
			n.IsRead = true
		}
	}
}

func incomingTitle(callType domain.CallType) string {
	if callType == domain.CallTypeVideo {
		return "Incoming video call"
	}
	return "Incoming call"
}
