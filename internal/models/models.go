package models

import "time"

// User is the pass owner. ActivePasses counts confirmed passes.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Email        string    `db:"email" json:"email"`
	Phone        string    `db:"phone" json:"phone,omitempty"`
	Role         string    `db:"role" json:"role"`
	ActivePasses int       `db:"active_passes" json:"active_passes"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Event is a bookable event with a per-entry ticket price in major currency units.
type Event struct {
	ID             int64     `db:"id" json:"id"`
	Title          string    `db:"title" json:"title"`
	Venue          string    `db:"venue" json:"venue"`
	StartsAt       time.Time `db:"starts_at" json:"date"`
	TicketPrice    int64     `db:"ticket_price" json:"ticket_price"`
	RemainingSeats int       `db:"remaining_seats" json:"remaining_seats"`
	OrganizerEmail string    `db:"organizer_email" json:"organizer_email"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Friend describes one companion covered by a pass.
type Friend struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Pass is one purchase transaction covering the buyer plus len(Friends) companions.
// Amount is the price of a single entry.
type Pass struct {
	ID              int64           `db:"id" json:"id"`
	PassUUID        *string         `db:"pass_uuid" json:"pass_uuid,omitempty"`
	UserID          int64           `db:"user_id" json:"user_id"`
	EventID         int64           `db:"event_id" json:"event_id"`
	PassType        string          `db:"pass_type" json:"pass_type"`
	MerchantOrderID string          `db:"merchant_order_id" json:"merchant_order_id"`
	GatewayOrderID  string          `db:"gateway_order_id" json:"gateway_order_id,omitempty"`
	PaymentURL      string          `db:"payment_url" json:"payment_url,omitempty"`
	Amount          int64           `db:"amount" json:"amount"`
	Friends         FriendList      `db:"friends" json:"friends"`
	Status          string          `db:"status" json:"status"`
	PaymentStatus   string          `db:"payment_status" json:"payment_status"`
	PaymentDetails  *PaymentDetails `db:"payment_details" json:"payment_details,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	ExpiresAt       time.Time       `db:"expires_at" json:"expires_at"`
	ConfirmedAt     *time.Time      `db:"confirmed_at" json:"confirmed_at,omitempty"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	EntryTokens     []EntryToken    `db:"-" json:"entry_tokens,omitempty"`
}

// Entries is the number of people admitted by the pass.
func (p *Pass) Entries() int {
	return 1 + len(p.Friends)
}

// TotalAmount is what the buyer owes for every entry on the pass.
func (p *Pass) TotalAmount() int64 {
	return p.Amount * int64(p.Entries())
}

// State returns the reconciliation-relevant part of the pass.
func (p *Pass) State() PassState {
	return PassState{Status: p.Status, PaymentStatus: p.PaymentStatus}
}

// UUID returns the external pass id, or "" before confirmation.
func (p *Pass) UUID() string {
	if p.PassUUID == nil {
		return ""
	}
	return *p.PassUUID
}

// Token finds an entry token by id.
func (p *Pass) Token(id string) (*EntryToken, bool) {
	for i := range p.EntryTokens {
		if p.EntryTokens[i].ID == id {
			return &p.EntryTokens[i], true
		}
	}
	return nil, false
}

// EntryToken is a single-use admission credential for one seat on a pass.
// Seat 0 is the buyer, seat n is Friends[n-1].
type EntryToken struct {
	ID         string     `db:"id" json:"id"`
	PassID     int64      `db:"pass_id" json:"pass_id"`
	Seat       int        `db:"seat" json:"seat"`
	HolderName string     `db:"holder_name" json:"holder_name"`
	ScannedAt  *time.Time `db:"scanned_at" json:"scanned_at,omitempty"`
}

// IsScanned reports whether the token has been used.
func (t EntryToken) IsScanned() bool {
	return t.ScannedAt != nil
}

// PaymentDetails is the gateway transaction record stamped on a pass when it
// leaves the pending state.
type PaymentDetails struct {
	OrderID         string     `json:"orderId,omitempty"`
	TransactionID   string     `json:"transactionId,omitempty"`
	Amount          int64      `json:"amount,omitempty"`
	PaymentMode     string     `json:"paymentMode,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	FailedAt        *time.Time `json:"failedAt,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Source          string     `json:"source"`
	MerchantOrderID string     `json:"merchantOrderId"`
}

// Pass statuses
const (
	PassStatusPending       = "pending"
	PassStatusActive        = "active"
	PassStatusPaymentFailed = "payment_failed"
	PassStatusExpired       = "expired"
)

// Payment statuses
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

// User roles allowed to operate the scanner.
const (
	RoleAdmin        = "admin"
	RoleEventManager = "event_manager"
	RoleUser         = "user"
)

// PassState is the (status, paymentStatus) pair. Only the combinations produced
// by the reconciliation transition table are valid.
type PassState struct {
	Status        string
	PaymentStatus string
}

// Pending is the only non-terminal pass state.
var Pending = PassState{Status: PassStatusPending, PaymentStatus: PaymentStatusPending}

// PassTransition is a guarded write against one pass. It applies only if the
// pass is still in From (and, when ExpiresBefore is set, expired before it).
type PassTransition struct {
	PassID         int64
	From           PassState
	To             PassState
	ExpiresBefore  *time.Time
	PassUUID       string
	ConfirmedAt    *time.Time
	PaymentDetails *PaymentDetails
	EntryTokens    []EntryToken
	IncrementOwner bool
}
