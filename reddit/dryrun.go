package reddit

import (
	"context"
	"log/slog"
)

// DryRun wraps a Client so that reads reach Reddit and writes are only logged.
type DryRun struct {
	*Client
	logger *slog.Logger
}

// NewDryRun creates a dry-run wrapper around c.
func NewDryRun(c *Client, logger *slog.Logger) *DryRun {
	return &DryRun{Client: c, logger: logger}
}

// ApplyFlair logs the flair instead of applying it.
func (d *DryRun) ApplyFlair(_ context.Context, submissionID, text, templateID string) error {
	d.logger.Info("DRY RUN FLAIR", "post_id", submissionID, "text", text, "template_id", templateID)
	return nil
}

// SetUserFlair logs the user flair instead of setting it.
func (d *DryRun) SetUserFlair(_ context.Context, username, text, templateID string) error {
	d.logger.Info("DRY RUN USER FLAIR", "user", username, "text", text, "template_id", templateID)
	return nil
}

// MessageUser logs the message instead of sending it.
func (d *DryRun) MessageUser(_ context.Context, username, subject, body string) error {
	d.logger.Info("DRY RUN MESSAGE", "to", username, "subject", subject, "body_length", len(body))
	return nil
}

// MarkRead leaves messages unread.
func (d *DryRun) MarkRead(_ context.Context, names ...string) error {
	d.logger.Info("DRY RUN MARK READ", "count", len(names))
	return nil
}
