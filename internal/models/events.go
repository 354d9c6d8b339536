package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypePassCreated          = "PASS_CREATED"
	EventTypePassConfirmed        = "PASS_CONFIRMED"
	EventTypePassPaymentFailed    = "PASS_PAYMENT_FAILED"
	EventTypePassExpired          = "PASS_EXPIRED"
	EventTypeEntryRedeemed        = "ENTRY_REDEEMED"
	EventTypePassRecheckRequested = "PASS_RECHECK_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// PassCreatedEvent published when a booking creates a pending pass
type PassCreatedEvent struct {
	BaseEvent
	PassID          int64  `json:"pass_id"`
	MerchantOrderID string `json:"merchant_order_id"`
	UserID          int64  `json:"user_id"`
	EventRef        int64  `json:"event_ref"`
	TotalAmount     int64  `json:"total_amount"`
	Entries         int    `json:"entries"`
}

// PassConfirmedEvent published once per pass on the pending -> active transition
type PassConfirmedEvent struct {
	BaseEvent
	PassID          int64  `json:"pass_id"`
	PassUUID        string `json:"pass_uuid"`
	MerchantOrderID string `json:"merchant_order_id"`
	UserID          int64  `json:"user_id"`
	Entries         int    `json:"entries"`
	Source          string `json:"source"`
}

// PassPaymentFailedEvent published on the pending -> payment_failed transition
type PassPaymentFailedEvent struct {
	BaseEvent
	PassID          int64  `json:"pass_id"`
	MerchantOrderID string `json:"merchant_order_id"`
	Reason          string `json:"reason"`
	Source          string `json:"source"`
}

// PassExpiredEvent published by the sweeper
type PassExpiredEvent struct {
	BaseEvent
	PassID          int64  `json:"pass_id"`
	MerchantOrderID string `json:"merchant_order_id"`
}

// EntryRedeemedEvent published when an entry token is scanned
type EntryRedeemedEvent struct {
	BaseEvent
	PassUUID  string    `json:"pass_uuid"`
	TokenID   string    `json:"token_id"`
	ScannedAt time.Time `json:"scanned_at"`
}

// PassRecheckRequestedEvent asks the recheck worker to re-query the gateway
type PassRecheckRequestedEvent struct {
	BaseEvent
	MerchantOrderID string `json:"merchant_order_id"`
	RequestedBy     int64  `json:"requested_by,omitempty"`
}
