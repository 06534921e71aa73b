package crossapp

import (
	"context"
	"time"

	"github.com/aesyros/align/internal/backend"
	"github.com/aesyros/align/internal/sharedstate"
)

// siblingSync is the entity cache an application mirrors from a sibling.
type siblingSync struct {
	name    string
	channel string
	table   string
	refresh func(ctx context.Context) error
}

// siblingCache returns the cache mirrored by the hosting application, or nil.
// Drive shows Align goals; Align shows Drive projects.
func (p *Provider) siblingCache() *siblingSync {
	switch p.app {
	case sharedstate.AppDrive:
		return &siblingSync{name: "goals", channel: "goals_for_drive", table: tableGoals, refresh: p.refreshGoals}
	case sharedstate.AppAlign:
		return &siblingSync{name: "projects", channel: "projects_for_align", table: tableProjects, refresh: p.refreshProjects}
	}
	return nil
}

func (p *Provider) refreshGoals(ctx context.Context) error {
	p.goalsMu.Lock()
	defer p.goalsMu.Unlock()

	start := time.Now()
	var rows []sharedstate.GoalRow
	err := p.backend.Select(ctx, tableGoals, backend.Query{
		Columns: "id, title, progress_percentage, status",
		Filters: []backend.Filter{backend.Eq("status", "active")},
		Order:   []backend.Order{{Column: "title"}},
	}, &rows)
	if err == nil {
		err = ctx.Err()
	}
	p.metrics.RecordCacheRefresh("goals", time.Since(start), err)
	if err != nil {
		return err
	}
	p.store.UpdateGoalsCache(rows)
	return nil
}

func (p *Provider) refreshProjects(ctx context.Context) error {
	p.projMu.Lock()
	defer p.projMu.Unlock()

	start := time.Now()
	var rows []sharedstate.ProjectRow
	err := p.backend.Select(ctx, tableProjects, backend.Query{
		Columns: "id, name, status, progress_percentage",
		Order:   []backend.Order{{Column: "name"}},
	}, &rows)
	if err == nil {
		err = ctx.Err()
	}
	p.metrics.RecordCacheRefresh("projects", time.Since(start), err)
	if err != nil {
		return err
	}
	p.store.UpdateProjectsCache(rows)
	return nil
}

// refreshAsync runs a cache refresh off the feed's dispatch path. Refreshes of
// one cache are serialized by its mutex; Unmount waits for all of them.
func (p *Provider) refreshAsync(mctx context.Context, cache *siblingSync) {
	p.mu.Lock()
	if !p.mounted || p.ctx != mctx {
		p.mu.Unlock()
		return
	}
	p.refreshes.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.refreshes.Done()
		if err := cache.refresh(mctx); err != nil && mctx.Err() == nil {
			p.log.WithError(err).WithField("cache", cache.name).Warn("cache refresh failed")
		}
	}()
}

// loadInitial fills the applicable cache once, without waiting for the feed.
func (p *Provider) loadInitial(mctx context.Context, cache *siblingSync) {
	if cache != nil {
		if err := cache.refresh(mctx); err != nil {
			p.log.WithError(err).WithFields(map[string]interface{}{
				"app":   p.app.String(),
				"cache": cache.name,
			}).Error("initial cross-app load failed")
			return
		}
	}
	p.store.UpdateLastSync()
}
