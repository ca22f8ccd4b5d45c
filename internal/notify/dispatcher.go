// Package notify persists and fans out notifications. Delivery here means
// the durable record plus the recent-dispatch buffer; push channels hang
// off the same records downstream.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gatewatch/internal/model"
	"gatewatch/internal/storage"
)

type Dispatcher struct {
	store  storage.Store
	buffer *Buffer
	logger *slog.Logger
	now    func() time.Time
}

func NewDispatcher(store storage.Store, buffer *Buffer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		buffer: buffer,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Notify stores one notification for a single recipient and returns the
// record with its ID filled in.
func (d *Dispatcher) Notify(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.RecipientID == "" {
		return model.Notification{}, fmt.Errorf("%w: recipient is required", model.ErrValidation)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Priority == "" {
		n.Priority = model.PriorityNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}
	if err := d.store.SaveNotification(ctx, n); err != nil {
		return model.Notification{}, fmt.Errorf("%w: save notification: %v", model.ErrPersistence, err)
	}
	d.buffer.Add(n)
	d.logger.Debug("notification dispatched",
		"notification_id", n.ID,
		"recipient_id", n.RecipientID,
		"type", n.Type,
	)
	return n, nil
}

// NotifyByRole fans one notification out to every user holding a role.
// An empty role or a role nobody holds delivers nothing and is not an
// error.
func (d *Dispatcher) NotifyByRole(ctx context.Context, role string, n model.Notification) ([]model.Notification, error) {
	if role == "" {
		return nil, nil
	}
	users, err := d.store.UsersByRole(ctx, role)
	if err != nil {
		return nil, err
	}
	sent := make([]model.Notification, 0, len(users))
	for _, u := range users {
		out := n
		out.ID = ""
		out.RecipientID = u.ID
		stored, err := d.Notify(ctx, out)
		if err != nil {
			return sent, err
		}
		sent = append(sent, stored)
	}
	return sent, nil
}

func (d *Dispatcher) Recent(limit int) []model.Notification {
	return d.buffer.List(limit)
}
