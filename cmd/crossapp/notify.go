package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aesyros/align/internal/crossapp"
	"github.com/aesyros/align/internal/sharedstate"
)

type notifyCommand struct {
	opts *options

	target     string
	kind       string
	entityType string
	entityID   string
	title      string
	message    string
	data       string
}

func newNotifyCommand(opts *options) *cobra.Command {
	c := &notifyCommand{opts: opts}
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send one cross-app notification from the configured app",
		RunE:  c.run,
	}

	f := cmd.Flags()
	f.StringVar(&c.target, "to", "", "target application (required)")
	f.StringVar(&c.kind, "type", "", "goal_updated, task_completed, project_milestone or alignment_changed (required)")
	f.StringVar(&c.entityType, "entity-type", "", "entity kind, e.g. goal or project")
	f.StringVar(&c.entityID, "entity-id", "", "entity id")
	f.StringVar(&c.title, "title", "", "notification title (required)")
	f.StringVar(&c.message, "message", "", "notification body")
	f.StringVar(&c.data, "data", "", "JSON object attached to the notification")

	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func (c *notifyCommand) request() (crossapp.NotificationRequest, error) {
	req := crossapp.NotificationRequest{
		TargetApp:  sharedstate.ParseApp(c.target),
		Type:       sharedstate.ParseNotificationType(c.kind),
		EntityType: sharedstate.EntityType(c.entityType),
		EntityID:   c.entityID,
		Title:      c.title,
		Message:    c.message,
	}
	if c.data != "" {
		if err := json.Unmarshal([]byte(c.data), &req.Data); err != nil {
			return req, fmt.Errorf("--data: %w", err)
		}
	}
	return req, nil
}

func (c *notifyCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := c.opts.load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	req, err := c.request()
	if err != nil {
		return err
	}

	log := c.opts.logger(cfg)
	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	// The sender is the store's current app.
	store := sharedstate.New(sharedstate.Options{})
	store.SetNavigationContext(cfg.AppName(), map[string]any{})

	provider, err := crossapp.New(crossapp.Config{
		App:     cfg.AppName(),
		Store:   store,
		Backend: b,
		Logger:  log.Named("crossapp"),
	})
	if err != nil {
		return err
	}
	if err := provider.SendNotification(ctx, req); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", req.Type, req.TargetApp)
	return nil
}
