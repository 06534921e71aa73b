package crossapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aesyros/align/internal/sharedstate"
)

// ErrInvalidNotification is returned for requests that cannot be delivered.
var ErrInvalidNotification = errors.New("crossapp: invalid notification")

// NotificationRequest is an outbound cross-app notification.
type NotificationRequest struct {
	TargetApp  sharedstate.App              `json:"target_app"`
	Type       sharedstate.NotificationType `json:"type"`
	EntityType sharedstate.EntityType       `json:"entity_type"`
	EntityID   string                       `json:"entity_id"`
	Title      string                       `json:"title"`
	Message    string                       `json:"message"`
	Data       map[string]any               `json:"data,omitempty"`
}

func (r NotificationRequest) validate() error {
	switch {
	case !r.TargetApp.Valid():
		return fmt.Errorf("%w: unknown target app", ErrInvalidNotification)
	case r.Type == sharedstate.NotificationUnknown:
		return fmt.Errorf("%w: unknown type", ErrInvalidNotification)
	case strings.TrimSpace(r.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidNotification)
	}
	return nil
}

// SendNotification inserts a notification row addressed to req.TargetApp.
// The source is the store's current application, so sending before Mount is
// rejected. The row reaches the target
// through its own notifications subscription, never through the local inbox.
func (p *Provider) SendNotification(ctx context.Context, req NotificationRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	source := p.store.CurrentApp()
	if !source.Valid() {
		return fmt.Errorf("%w: no current application", ErrInvalidNotification)
	}

	row := notificationRow{
		Type:       req.Type,
		SourceApp:  source,
		TargetApp:  req.TargetApp,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Title:      req.Title,
		Message:    req.Message,
		Data:       req.Data,
		Read:       false,
	}

	err := p.backend.Insert(ctx, tableNotifications, row, nil)
	p.metrics.RecordNotificationSent(req.TargetApp.String(), err)
	if err != nil {
		p.log.WithError(err).WithFields(map[string]interface{}{
			"target_app": req.TargetApp.String(),
			"type":       req.Type.String(),
		}).Error("error sending cross-app notification")
		return fmt.Errorf("send notification to %s: %w", req.TargetApp, err)
	}
	return nil
}
