package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDeliveryNotFound = errors.New("webhooks: delivery not found")
	ErrClaimNotFound    = errors.New("webhooks: claim not found")
)

// MemoryLedger is a process-local DeliveryLedger.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*DeliveryRecord
	claims  map[string]string
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: map[string]*DeliveryRecord{},
		claims:  map[string]string{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock replaces the ledger clock.
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	if now != nil {
		l.now = now
	}
	return l
}

func (l *MemoryLedger) Claim(
	_ context.Context,
	source string,
	deliveryID string,
	_ []byte,
	lease time.Duration,
) (DeliveryRecord, bool, error) {
	source = strings.TrimSpace(source)
	deliveryID = strings.TrimSpace(deliveryID)
	if source == "" || deliveryID == "" {
		return DeliveryRecord{}, false, fmt.Errorf("webhooks: source and delivery id are required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := ledgerKey(source, deliveryID)
	record, ok := l.records[key]
	if !ok {
		record = &DeliveryRecord{
			ID:         uuid.NewString(),
			Source:     source,
			DeliveryID: deliveryID,
			CreatedAt:  now,
		}
		l.records[key] = record
	} else if !Claimable(*record, now) {
		return *record, false, nil
	}

	if record.ClaimID != "" {
		delete(l.claims, record.ClaimID)
	}
	expires := now.Add(lease)
	record.ClaimID = uuid.NewString()
	record.Status = DeliveryStatusProcessing
	record.Attempts++
	record.LeaseExpiresAt = &expires
	record.UpdatedAt = now
	l.claims[record.ClaimID] = key
	return *record, true, nil
}

func (l *MemoryLedger) Get(_ context.Context, source string, deliveryID string) (DeliveryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[ledgerKey(strings.TrimSpace(source), strings.TrimSpace(deliveryID))]
	if !ok {
		return DeliveryRecord{}, ErrDeliveryNotFound
	}
	return *record, nil
}

func (l *MemoryLedger) Complete(_ context.Context, claimID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, err := l.claimed(claimID)
	if err != nil {
		return err
	}
	delete(l.claims, claimID)
	record.ClaimID = ""
	record.Status = DeliveryStatusProcessed
	record.LeaseExpiresAt = nil
	record.NextAttemptAt = nil
	record.LastError = ""
	record.UpdatedAt = l.now()
	return nil
}

func (l *MemoryLedger) Fail(_ context.Context, claimID string, cause error, nextAttemptAt time.Time, maxAttempts int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, err := l.claimed(claimID)
	if err != nil {
		return err
	}
	delete(l.claims, claimID)
	record.ClaimID = ""
	record.LeaseExpiresAt = nil
	if cause != nil {
		record.LastError = cause.Error()
	}
	if maxAttempts > 0 && record.Attempts >= maxAttempts {
		record.Status = DeliveryStatusDead
		record.NextAttemptAt = nil
	} else {
		next := nextAttemptAt.UTC()
		record.Status = DeliveryStatusRetryReady
		record.NextAttemptAt = &next
	}
	record.UpdatedAt = l.now()
	return nil
}

func (l *MemoryLedger) claimed(claimID string) (*DeliveryRecord, error) {
	key, ok := l.claims[strings.TrimSpace(claimID)]
	if !ok {
		return nil, ErrClaimNotFound
	}
	record, ok := l.records[key]
	if !ok {
		return nil, ErrClaimNotFound
	}
	return record, nil
}

// Claimable reports whether a stored delivery may be claimed again at now.
// Ledger implementations share this rule.
func Claimable(record DeliveryRecord, now time.Time) bool {
	switch record.Status {
	case DeliveryStatusProcessed, DeliveryStatusDead:
		return false
	case DeliveryStatusProcessing:
		return record.LeaseExpiresAt != nil && !now.Before(*record.LeaseExpiresAt)
	default:
		return true
	}
}

func ledgerKey(source, deliveryID string) string {
	return source + "\x00" + deliveryID
}

var _ DeliveryLedger = (*MemoryLedger)(nil)
