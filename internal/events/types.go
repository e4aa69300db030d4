// Package events defines the bus contract between the audit orchestrator,
// the page builders upstream and the category auditors downstream.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/north-cloud/audit-orchestrator/internal/domain"
)

// LifecycleStream is the Redis stream carrying inbound lifecycle events.
const LifecycleStream = "audit-lifecycle"

// ConsumerGroup is the consumer group shared by orchestrator instances.
const ConsumerGroup = "audit-orchestrators"

// InitiationStream is the Redis stream read by the category auditors.
const InitiationStream = "audit-work"

// CompletionStream is the Redis stream read by the notification service.
const CompletionStream = "audit-notifications"

// ProgressChannel is the Pub/Sub channel for UI-facing progress updates.
// Delivery is fire and forget.
const ProgressChannel = "audit-progress"

// EventType represents the type of lifecycle event.
type EventType string

const (
	// PageBuilt indicates a page state was built for an enclosing audit.
	PageBuilt EventType = "PAGE_BUILT"
	// DomainPageBuilt is the domain-audit-context variant of PageBuilt.
	DomainPageBuilt EventType = "DOMAIN_PAGE_BUILT"
	// SinglePageBuilt is the single-page-audit-context variant of PageBuilt.
	SinglePageBuilt EventType = "SINGLE_PAGE_BUILT"
	// DataExtractionComplete signals that data extraction finished for a record.
	DataExtractionComplete EventType = "DATA_EXTRACTION_COMPLETE"
	// CategoryProgress carries a category auditor's progress update.
	CategoryProgress EventType = "CATEGORY_PROGRESS"
	// AuditErrorReported carries an unrecoverable category failure.
	AuditErrorReported EventType = "AUDIT_ERROR"
	// SubscriptionExceeded signals that a plan boundary was hit.
	SubscriptionExceeded EventType = "SUBSCRIPTION_EXCEEDED"
)

// Envelope is the wire format for all lifecycle events.
type Envelope struct {
	EventID   uuid.UUID       `json:"event_id"`
	EventType EventType       `json:"event_type"`
	AccountID int64           `json:"account_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload in an envelope with a fresh event id.
func NewEnvelope(eventType EventType, accountID int64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:   uuid.New(),
		EventType: eventType,
		AccountID: accountID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// PageBuiltPayload is shared by PAGE_BUILT, DOMAIN_PAGE_BUILT and
// SINGLE_PAGE_BUILT. EnclosingAuditID is the domain audit record id, or
// domain.NotApplicable in single-page mode.
type PageBuiltPayload struct {
	PageID           int64 `json:"page_id"`
	EnclosingAuditID int64 `json:"enclosing_audit_id"`
	DomainID         int64 `json:"domain_id"`
}

// DataExtractionPayload reports data extraction progress for a record.
// DomainID and PageID both set to domain.NotApplicable is the sentinel for
// "extraction finished for the whole record".
type DataExtractionPayload struct {
	AuditRecordID int64   `json:"audit_record_id"`
	DomainID      int64   `json:"domain_id"`
	PageID        int64   `json:"page_id"`
	Progress      float64 `json:"progress"`
	Message       string  `json:"message"`
}

// IsCompletionSignal reports whether the payload carries the reserved
// extraction-complete sentinel.
func (p DataExtractionPayload) IsCompletionSignal() bool {
	return p.DomainID == domain.NotApplicable && p.PageID == domain.NotApplicable
}

// CategoryProgressPayload carries one category's progress for a record.
// AuditResultID optionally references the persisted audit result.
type CategoryProgressPayload struct {
	AuditRecordID int64                `json:"audit_record_id"`
	Category      domain.AuditCategory `json:"category"`
	Progress      float64              `json:"progress"`
	Message       string               `json:"message"`
	AuditResultID *int64               `json:"audit_result_id,omitempty"`
}

// AuditErrorPayload carries an unrecoverable category failure.
type AuditErrorPayload struct {
	AuditRecordID int64                `json:"audit_record_id"`
	Category      domain.AuditCategory `json:"category"`
	Progress      float64              `json:"progress"`
	ErrorMessage  string               `json:"error_message"`
}

// SubscriptionExceededPayload flags that no further page audits should start
// under the given domain audit.
type SubscriptionExceededPayload struct {
	DomainAuditID int64 `json:"domain_audit_id"`
}

// AuditInitiation tells the category auditors to begin work on a page audit.
type AuditInitiation struct {
	AccountID     int64              `json:"account_id"`
	PageAuditID   int64              `json:"page_audit_id"`
	PageID        int64              `json:"page_id"`
	DomainID      int64              `json:"domain_id"`
	DomainAuditID int64              `json:"domain_audit_id"`
	URL           string             `json:"url"`
	AuditNames    []domain.AuditName `json:"audit_names"`
}

// ProgressBroadcast is the UI-facing progress update.
type ProgressBroadcast struct {
	AccountID     int64   `json:"account_id"`
	AuditRecordID int64   `json:"audit_record_id"`
	Progress      float64 `json:"progress"`
	Message       string  `json:"message"`
}

// CompletionNotice triggers the downstream completion notification. Published
// at most once per record.
type CompletionNotice struct {
	AccountID     int64  `json:"account_id"`
	AuditRecordID int64  `json:"audit_record_id"`
	URL           string `json:"url"`
	DomainID      int64  `json:"domain_id"`
}
