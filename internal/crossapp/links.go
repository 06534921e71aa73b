package crossapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aesyros/align/internal/backend"
	"github.com/aesyros/align/internal/sharedstate"
)

// ErrInvalidLink is returned by CreateLink for incomplete links.
var ErrInvalidLink = errors.New("crossapp: invalid link")

// Link relates an entity of one application to an entity of another.
type Link struct {
	ID               string                       `json:"id"`
	SourceApp        sharedstate.App              `json:"source_app"`
	SourceEntityType string                       `json:"source_entity_type"`
	SourceEntityID   string                       `json:"source_entity_id"`
	TargetApp        sharedstate.App              `json:"target_app"`
	TargetEntityType string                       `json:"target_entity_type"`
	TargetEntityID   string                       `json:"target_entity_id"`
	RelationshipType sharedstate.RelationshipType `json:"relationship_type"`
	Metadata         map[string]any               `json:"metadata,omitempty"`
	CreatedAt        *time.Time                   `json:"created_at,omitempty"`
}

func (l Link) validate() error {
	switch {
	case !l.SourceApp.Valid() || !l.TargetApp.Valid():
		return fmt.Errorf("%w: unknown application", ErrInvalidLink)
	case strings.TrimSpace(l.SourceEntityType) == "" || strings.TrimSpace(l.TargetEntityType) == "":
		return fmt.Errorf("%w: entity type is required", ErrInvalidLink)
	case strings.TrimSpace(l.SourceEntityID) == "" || strings.TrimSpace(l.TargetEntityID) == "":
		return fmt.Errorf("%w: entity id is required", ErrInvalidLink)
	case !l.RelationshipType.Valid():
		return fmt.Errorf("%w: relationship %q", ErrInvalidLink, l.RelationshipType)
	}
	return nil
}

// CreateLink stores l and returns the stored row.
func (p *Provider) CreateLink(ctx context.Context, l Link) (Link, error) {
	if err := l.validate(); err != nil {
		return Link{}, err
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.CreatedAt = nil

	var out Link
	err := p.backend.Insert(ctx, tableLinks, l, &out)
	p.metrics.RecordLinkOperation("create", err)
	if err != nil {
		p.log.WithError(err).Error("error creating cross-app link")
		return Link{}, fmt.Errorf("create link: %w", err)
	}
	return out, nil
}

// GetLinks returns every link in which the entity takes part, as source or
// as target.
func (p *Provider) GetLinks(ctx context.Context, app sharedstate.App, entityType, entityID string) ([]Link, error) {
	q := backend.Query{
		Columns: "*",
		AnyOf: [][]backend.Filter{
			{
				backend.Eq("source_app", app.String()),
				backend.Eq("source_entity_type", entityType),
				backend.Eq("source_entity_id", entityID),
			},
			{
				backend.Eq("target_app", app.String()),
				backend.Eq("target_entity_type", entityType),
				backend.Eq("target_entity_id", entityID),
			},
		},
	}

	links := []Link{}
	err := p.backend.Select(ctx, tableLinks, q, &links)
	p.metrics.RecordLinkOperation("get", err)
	if err != nil {
		p.log.WithError(err).Error("error fetching cross-app links")
		return nil, fmt.Errorf("get links: %w", err)
	}
	if links == nil {
		links = []Link{}
	}
	return links, nil
}

// DeleteLink removes the link with the given id.
func (p *Provider) DeleteLink(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidLink)
	}
	err := p.backend.Delete(ctx, tableLinks, backend.Eq("id", id))
	p.metrics.RecordLinkOperation("delete", err)
	if err != nil {
		p.log.WithError(err).Error("error deleting cross-app link")
		return fmt.Errorf("delete link %s: %w", id, err)
	}
	return nil
}
