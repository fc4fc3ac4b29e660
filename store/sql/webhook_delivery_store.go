package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-apiclient/webhooks"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WebhookDeliveryStore is a webhooks.DeliveryLedger backed by bun. Rows are
// unique per (source, delivery_id) so concurrent receivers race on insert
// and only one of them claims a delivery.
type WebhookDeliveryStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewWebhookDeliveryStore(db *bun.DB) (*WebhookDeliveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &WebhookDeliveryStore{
		db: db,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// WithClock replaces the store clock.
func (s *WebhookDeliveryStore) WithClock(now func() time.Time) *WebhookDeliveryStore {
	if s != nil && now != nil {
		s.now = now
	}
	return s
}

func (s *WebhookDeliveryStore) Claim(
	ctx context.Context,
	source string,
	deliveryID string,
	payload []byte,
	lease time.Duration,
) (webhooks.DeliveryRecord, bool, error) {
	if s == nil || s.db == nil {
		return webhooks.DeliveryRecord{}, false, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	source = strings.TrimSpace(source)
	deliveryID = strings.TrimSpace(deliveryID)
	if source == "" || deliveryID == "" {
		return webhooks.DeliveryRecord{}, false, fmt.Errorf("sqlstore: source and delivery id are required")
	}

	now := s.now()
	expires := now.Add(lease)
	record := &webhookDeliveryRecord{
		ID:             uuid.NewString(),
		ClaimID:        uuid.NewString(),
		Source:         source,
		DeliveryID:     deliveryID,
		Status:         webhooks.DeliveryStatusProcessing,
		Attempts:       1,
		LeaseExpiresAt: &expires,
		Payload:        append([]byte(nil), payload...),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if !isUniqueViolation(err) {
			return webhooks.DeliveryRecord{}, false, err
		}
		return s.reclaim(ctx, source, deliveryID, lease)
	}
	return webhookDeliveryToDomain(record), true, nil
}

// reclaim takes over an existing row when webhooks.Claimable allows it. The
// update is conditional on the row being unchanged since it was read.
func (s *WebhookDeliveryStore) reclaim(
	ctx context.Context,
	source string,
	deliveryID string,
	lease time.Duration,
) (webhooks.DeliveryRecord, bool, error) {
	existing, err := s.load(ctx, s.db, source, deliveryID)
	if err != nil {
		return webhooks.DeliveryRecord{}, false, err
	}
	now := s.now()
	if !webhooks.Claimable(webhookDeliveryToDomain(existing), now) {
		return webhookDeliveryToDomain(existing), false, nil
	}

	expires := now.Add(lease)
	claimID := uuid.NewString()
	res, err := s.db.NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("claim_id = ?", claimID).
		Set("status = ?", webhooks.DeliveryStatusProcessing).
		Set("attempts = ?", existing.Attempts+1).
		Set("lease_expires_at = ?", expires).
		Set("updated_at = ?", now).
		Where("id = ?", existing.ID).
		Where("claim_id = ?", existing.ClaimID).
		Where("status = ?", existing.Status).
		Where("attempts = ?", existing.Attempts).
		Exec(ctx)
	if err != nil {
		return webhooks.DeliveryRecord{}, false, err
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		current, err := s.load(ctx, s.db, source, deliveryID)
		if err != nil {
			return webhooks.DeliveryRecord{}, false, err
		}
		return webhookDeliveryToDomain(current), false, nil
	}

	existing.ClaimID = claimID
	existing.Status = webhooks.DeliveryStatusProcessing
	existing.Attempts++
	existing.LeaseExpiresAt = &expires
	existing.UpdatedAt = now
	return webhookDeliveryToDomain(existing), true, nil
}

func (s *WebhookDeliveryStore) Get(
	ctx context.Context,
	source string,
	deliveryID string,
) (webhooks.DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return webhooks.DeliveryRecord{}, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	record, err := s.load(ctx, s.db, strings.TrimSpace(source), strings.TrimSpace(deliveryID))
	if err != nil {
		return webhooks.DeliveryRecord{}, err
	}
	return webhookDeliveryToDomain(record), nil
}

func (s *WebhookDeliveryStore) Complete(ctx context.Context, claimID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return webhooks.ErrClaimNotFound
	}
	res, err := s.db.NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("claim_id = ?", "").
		Set("status = ?", webhooks.DeliveryStatusProcessed).
		Set("last_error = ?", "").
		Set("lease_expires_at = NULL").
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", s.now()).
		Where("claim_id = ?", claimID).
		Where("status = ?", webhooks.DeliveryStatusProcessing).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return webhooks.ErrClaimNotFound
	}
	return nil
}

func (s *WebhookDeliveryStore) Fail(
	ctx context.Context,
	claimID string,
	cause error,
	nextAttemptAt time.Time,
	maxAttempts int,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return webhooks.ErrClaimNotFound
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &webhookDeliveryRecord{}
		err := tx.NewSelect().
			Model(record).
			Where("?TableAlias.claim_id = ?", claimID).
			Where("?TableAlias.status = ?", webhooks.DeliveryStatusProcessing).
			Limit(1).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return webhooks.ErrClaimNotFound
			}
			return err
		}

		lastError := record.LastError
		if cause != nil {
			lastError = cause.Error()
		}
		query := tx.NewUpdate().
			Model((*webhookDeliveryRecord)(nil)).
			Set("claim_id = ?", "").
			Set("last_error = ?", lastError).
			Set("lease_expires_at = NULL").
			Set("updated_at = ?", s.now()).
			Where("id = ?", record.ID).
			Where("claim_id = ?", claimID)
		if maxAttempts > 0 && record.Attempts >= maxAttempts {
			query = query.
				Set("status = ?", webhooks.DeliveryStatusDead).
				Set("next_attempt_at = NULL")
		} else {
			query = query.
				Set("status = ?", webhooks.DeliveryStatusRetryReady).
				Set("next_attempt_at = ?", nextAttemptAt.UTC())
		}
		res, err := query.Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			return webhooks.ErrClaimNotFound
		}
		return nil
	})
}

// Payload returns the body stored with the first claim of a delivery.
func (s *WebhookDeliveryStore) Payload(ctx context.Context, source string, deliveryID string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	record, err := s.load(ctx, s.db, strings.TrimSpace(source), strings.TrimSpace(deliveryID))
	if err != nil {
		return nil, err
	}
	return record.Payload, nil
}

func (s *WebhookDeliveryStore) load(
	ctx context.Context,
	db bun.IDB,
	source string,
	deliveryID string,
) (*webhookDeliveryRecord, error) {
	record := &webhookDeliveryRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.source = ?", source).
		Where("?TableAlias.delivery_id = ?", deliveryID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: source %q delivery %q", webhooks.ErrDeliveryNotFound, source, deliveryID)
		}
		return nil, err
	}
	return record, nil
}

func webhookDeliveryToDomain(record *webhookDeliveryRecord) webhooks.DeliveryRecord {
	if record == nil {
		return webhooks.DeliveryRecord{}
	}
	result := webhooks.DeliveryRecord{
		ID:         record.ID,
		ClaimID:    record.ClaimID,
		Source:     record.Source,
		DeliveryID: record.DeliveryID,
		Status:     record.Status,
		Attempts:   record.Attempts,
		LastError:  record.LastError,
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	}
	if record.LeaseExpiresAt != nil {
		value := *record.LeaseExpiresAt
		result.LeaseExpiresAt = &value
	}
	if record.NextAttemptAt != nil {
		value := *record.NextAttemptAt
		result.NextAttemptAt = &value
	}
	return result
}

var _ webhooks.DeliveryLedger = (*WebhookDeliveryStore)(nil)
