package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SendRecord is the row written to email_tracking when a dispatch starts.
// It is inserted before any provider call so that open and click events can
// always resolve their message, even if the process dies mid-dispatch.
type SendRecord struct {
	ID              string
	CampaignID      string
	Subject         string
	FromAddress     string
	Recipients      []string
	TrackingEnabled bool
	Status          string
}

// Dispatch statuses stored on email_tracking.
const (
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// RecordSend inserts the tracking row for a dispatch. A nil CampaignID is
// stored as NULL for ad-hoc sends.
func (s *Store) RecordSend(ctx context.Context, rec SendRecord) error {
	recipients, err := json.Marshal(rec.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}

	var campaignID any
	if rec.CampaignID != "" {
		campaignID = rec.CampaignID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO email_tracking
			(id, campaign_id, subject, from_address, recipients, recipient_count,
			 tracking_enabled, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, rec.ID, campaignID, rec.Subject, rec.FromAddress, recipients,
		len(rec.Recipients), rec.TrackingEnabled, rec.Status)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	return nil
}

// UpdateSendStatus sets the final status of a dispatch.
func (s *Store) UpdateSendStatus(ctx context.Context, emailID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_tracking SET status = $2, updated_at = NOW() WHERE id = $1
	`, emailID, status)
	if err != nil {
		return fmt.Errorf("update send status: %w", err)
	}
	return nil
}

// RecordOpen upserts an open event. The (email_id, recipient) pair is
// unique; repeat opens bump the counter and overwrite the client details
// with the latest request, so the row reflects the most recent open.
func (s *Store) RecordOpen(ctx context.Context, messageID, recipient, ip, userAgent string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_opens (id, email_id, recipient, ip_address, user_agent, open_count, opened_at)
		VALUES ($1, $2, $3, $4, $5, 1, NOW())
		ON CONFLICT (email_id, recipient) DO UPDATE SET
			open_count = email_opens.open_count + 1,
			ip_address = EXCLUDED.ip_address,
			user_agent = EXCLUDED.user_agent,
			opened_at = NOW()
	`, uuid.New().String(), messageID, recipient, ip, userAgent)
	if err != nil {
		return fmt.Errorf("record open: %w", err)
	}
	return nil
}

// RecordClick appends a click event. Clicks are never deduplicated; every
// redirect hit is its own row.
func (s *Store) RecordClick(ctx context.Context, messageID, recipient, destination, ip, userAgent string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_clicks (id, email_id, recipient, url, ip_address, user_agent, clicked_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New().String(), messageID, recipient, destination, ip, userAgent)
	if err != nil {
		return fmt.Errorf("record click: %w", err)
	}
	return nil
}

// RecordUnsubscribe suppresses the recipient. Re-unsubscribing refreshes the
// existing suppression instead of failing.
func (s *Store) RecordUnsubscribe(ctx context.Context, messageID, recipient, ip, userAgent string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppressions (id, email, reason, source, active, created_at)
		VALUES ($1, $2, 'unsubscribe', $3, true, NOW())
		ON CONFLICT (email) DO UPDATE SET
			reason = 'unsubscribe', source = EXCLUDED.source, active = true, updated_at = NOW()
	`, uuid.New().String(), recipient, messageID)
	if err != nil {
		return fmt.Errorf("record unsubscribe: %w", err)
	}
	return nil
}

// IsSuppressed reports whether the address has an active suppression.
func (s *Store) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM suppressions WHERE email = $1 AND active = true)`,
		email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return exists, nil
}

// MarkCampaignSent flips the campaign to sent. The update is unconditional:
// a dispatch that reached at least one recipient counts as sent even when
// other recipients failed, and re-marking an already-sent campaign is a
// no-op rather than an error.
func (s *Store) MarkCampaignSent(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'sent', sent_at = NOW(), updated_at = NOW() WHERE id = $1
	`, campaignID)
	if err != nil {
		return fmt.Errorf("mark campaign sent: %w", err)
	}
	return nil
}
