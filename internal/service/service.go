// Package service holds the pass lifecycle: booking, payment reconciliation,
// entry redemption and expiry.
package service

import (
	"context"
	"time"

	"pass-service/internal/gateway"
	"pass-service/internal/models"
)

// PassStore is the persistence the services need. TransitionPass and
// MarkEntryScanned are guarded writes: they report applied=false instead of
// overwriting state that changed underneath the caller.
type PassStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetEventByID(ctx context.Context, id int64) (*models.Event, error)

	CreatePass(ctx context.Context, pass *models.Pass) error
	AttachGatewayOrder(ctx context.Context, passID int64, gatewayOrderID, paymentURL string) error
	GetPassByID(ctx context.Context, id int64) (*models.Pass, error)
	GetPassByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.Pass, error)
	GetPassByUUID(ctx context.Context, passUUID string) (*models.Pass, error)
	MerchantOrderIDExists(ctx context.Context, merchantOrderID string) (bool, error)
	ListCompletedPasses(ctx context.Context, userID, eventID int64) ([]models.Pass, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Pass, error)

	TransitionPass(ctx context.Context, t *models.PassTransition) (bool, error)
	MarkEntryScanned(ctx context.Context, passID int64, tokenID string, at time.Time) (bool, error)
}

// PaymentGateway is the remote checkout provider.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, req gateway.CreateOrderRequest) (*gateway.Order, error)
	GetOrderStatus(ctx context.Context, merchantOrderID string) (*gateway.OrderStatus, error)
}

// EventPublisher announces pass lifecycle changes.
type EventPublisher interface {
	PublishPassCreated(ctx context.Context, event *models.PassCreatedEvent) error
	PublishPassConfirmed(ctx context.Context, event *models.PassConfirmedEvent) error
	PublishPassPaymentFailed(ctx context.Context, event *models.PassPaymentFailedEvent) error
	PublishPassExpired(ctx context.Context, event *models.PassExpiredEvent) error
	PublishEntryRedeemed(ctx context.Context, event *models.EntryRedeemedEvent) error
	PublishRecheckRequested(ctx context.Context, event *models.PassRecheckRequestedEvent) error
}

// Locker is a best-effort distributed mutex.
type Locker interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

// Options are the business settings shared by the services.
type Options struct {
	PassTTL            time.Duration
	MinorUnitsPerMajor int64
	DefaultPassType    string
	// PublicBaseURL prefixes QR verify links.
	PublicBaseURL string
}

func (o Options) withDefaults() Options {
	if o.PassTTL <= 0 {
		o.PassTTL = 20 * time.Minute
	}
	if o.MinorUnitsPerMajor <= 0 {
		o.MinorUnitsPerMajor = 100
	}
	if o.DefaultPassType == "" {
		o.DefaultPassType = "General"
	}
	return o
}

// VerifyURL is the QR payload for a pass, or for one of its entry tokens when
// tokenID is set.
func VerifyURL(baseURL, passUUID, tokenID string) string {
	u := baseURL + "/verify-ticket/" + passUUID
	if tokenID != "" {
		u += "/" + tokenID
	}
	return u
}

// EventSummary is the event block embedded in pass responses.
type EventSummary struct {
	ID    int64     `json:"id"`
	Title string    `json:"title"`
	Date  time.Time `json:"date"`
	Venue string    `json:"venue"`
}

func summarizeEvent(e *models.Event) EventSummary {
	return EventSummary{ID: e.ID, Title: e.Title, Date: e.StartsAt, Venue: e.Venue}
}

type noopPublisher struct{}

func (noopPublisher) PublishPassCreated(context.Context, *models.PassCreatedEvent) error { return nil }
func (noopPublisher) PublishPassConfirmed(context.Context, *models.PassConfirmedEvent) error {
	return nil
}
func (noopPublisher) PublishPassPaymentFailed(context.Context, *models.PassPaymentFailedEvent) error {
	return nil
}
func (noopPublisher) PublishPassExpired(context.Context, *models.PassExpiredEvent) error { return nil }
func (noopPublisher) PublishEntryRedeemed(context.Context, *models.EntryRedeemedEvent) error {
	return nil
}
func (noopPublisher) PublishRecheckRequested(context.Context, *models.PassRecheckRequestedEvent) error {
	return nil
}

func publisherOrNoop(p EventPublisher) EventPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}
