package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"pass-service/internal/models"
	"pass-service/internal/store"
	"pass-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID int64
	Role   string
	Email  string
}

// Scanner denial reasons.
const (
	ReasonInvalidRole  = "invalid role"
	ReasonNotOrganizer = "not authorized to scan passes for this event"
)

// RedemptionService reads confirmed passes and redeems their entry tokens.
type RedemptionService struct {
	store     PassStore
	publisher EventPublisher
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewRedemptionService creates a new redemption service
func NewRedemptionService(store PassStore, publisher EventPublisher, opts Options) *RedemptionService {
	return &RedemptionService{
		store:     store,
		publisher: publisherOrNoop(publisher),
		opts:      opts.withDefaults(),
		logger:    util.Named("redemption"),
		now:       time.Now,
	}
}

// Redemption is a successful scan.
type Redemption struct {
	PassUUID   string    `json:"passUUID"`
	TokenID    string    `json:"tokenId"`
	HolderName string    `json:"holderName"`
	ScannedAt  time.Time `json:"scannedAt"`
}

// Redeem marks one entry token used on behalf of who, who must be allowed to
// scan for the pass's event. Two concurrent scans of the same token get
// exactly one success; the other sees an already-redeemed error.
func (s *RedemptionService) Redeem(ctx context.Context, who Identity, passUUID, tokenID string) (*Redemption, error) {
	ctx, span := util.StartSpan(ctx, "RedemptionService.Redeem",
		attribute.String("pass_uuid", passUUID),
		attribute.String("token_id", tokenID))
	defer span.End()

	out, err := s.redeem(ctx, who, passUUID, tokenID)
	if err != nil {
		util.RedemptionsRejectedTotal.WithLabelValues(string(KindOf(err))).Inc()
		util.RecordError(span, err)
		s.logger.Info("Entry scan rejected",
			zap.String("pass_uuid", passUUID),
			zap.String("token_id", tokenID),
			zap.Int64("scanner_id", who.UserID),
			zap.Error(err))
		return nil, err
	}

	util.EntriesRedeemedTotal.Inc()
	s.logger.Info("Entry redeemed", zap.String("pass_uuid", passUUID), zap.String("token_id", tokenID))

	err = s.publisher.PublishEntryRedeemed(ctx, &models.EntryRedeemedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeEntryRedeemed),
		PassUUID:  passUUID,
		TokenID:   tokenID,
		ScannedAt: out.ScannedAt,
	})
	if err != nil {
		s.logger.Warn("Failed to publish EntryRedeemed event", zap.Error(err))
	}
	return out, nil
}

func (s *RedemptionService) redeem(ctx context.Context, who Identity, passUUID, tokenID string) (*Redemption, error) {
	if passUUID == "" {
		return nil, validationError("pass UUID is required")
	}
	if tokenID == "" {
		return nil, validationError("entry token id is required")
	}

	pass, err := s.store.GetPassByUUID(ctx, passUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError("pass not found")
	}
	if err != nil {
		return nil, internalError(err, "failed to load pass")
	}

	if err := s.AuthorizeScanner(ctx, who, pass.EventID); err != nil {
		return nil, err
	}

	token, ok := pass.Token(tokenID)
	if !ok {
		return nil, notFoundError("entry token not found")
	}
	if token.IsScanned() {
		return nil, alreadyRedeemedError("entry token already scanned")
	}

	at := s.now().UTC()
	applied, err := s.store.MarkEntryScanned(ctx, pass.ID, tokenID, at)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError("entry token not found")
	}
	if err != nil {
		return nil, internalError(err, "failed to mark entry scanned")
	}
	if !applied {
		return nil, alreadyRedeemedError("entry token already scanned")
	}

	return &Redemption{PassUUID: passUUID, TokenID: tokenID, HolderName: token.HolderName, ScannedAt: at}, nil
}

// AuthorizeScanner allows the caller to scan passes for eventID only when
// they hold a privileged role and are the event's organizer.
func (s *RedemptionService) AuthorizeScanner(ctx context.Context, who Identity, eventID int64) error {
	if eventID == 0 {
		return validationError("event id is required")
	}

	if who.Role != models.RoleAdmin && who.Role != models.RoleEventManager {
		return authorizationError(ReasonInvalidRole)
	}

	event, err := s.store.GetEventByID(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("event not found")
	}
	if err != nil {
		return internalError(err, "failed to load event")
	}

	if who.Email == "" || !strings.EqualFold(who.Email, event.OrganizerEmail) {
		return authorizationError(ReasonNotOrganizer)
	}
	return nil
}

// PassSummary is the public, flattened view of a confirmed pass.
type PassSummary struct {
	PassAmount        int64     `json:"passAmount"`
	PassEventName     string    `json:"passEventName"`
	PassEventDate     time.Time `json:"passEventDate"`
	PassPaymentStatus string    `json:"passPaymentStatus"`
	PassCreatedAt     time.Time `json:"passCreatedAt"`
	PassEntries       int       `json:"passEntries"`
	EventID           int64     `json:"eventId"`
}

// PassSummaryByUUID returns the flattened summary of a pass.
func (s *RedemptionService) PassSummaryByUUID(ctx context.Context, passUUID string) (*PassSummary, error) {
	pass, event, err := s.passWithEvent(ctx, passUUID)
	if err != nil {
		return nil, err
	}

	return &PassSummary{
		PassAmount:        pass.TotalAmount(),
		PassEventName:     event.Title,
		PassEventDate:     event.StartsAt,
		PassPaymentStatus: pass.PaymentStatus,
		PassCreatedAt:     pass.CreatedAt,
		PassEntries:       pass.Entries(),
		EventID:           event.ID,
	}, nil
}

// EntryQR is one scannable seat.
type EntryQR struct {
	ID         string     `json:"id"`
	Seat       int        `json:"seat"`
	HolderName string     `json:"holderName"`
	ScannedAt  *time.Time `json:"scannedAt,omitempty"`
	VerifyURL  string     `json:"verifyUrl"`
}

// UserPass is one of the caller's paid passes for an event.
type UserPass struct {
	PassID   int64     `json:"passId"`
	PassUUID string    `json:"passUUID"`
	PassType string    `json:"passType"`
	Email    string    `json:"email"`
	EventID  int64     `json:"eventId"`
	Entries  []EntryQR `json:"qrStrings"`
}

// ListUserPasses returns the caller's completed passes for an event.
func (s *RedemptionService) ListUserPasses(ctx context.Context, who Identity, eventID int64) ([]UserPass, error) {
	if who.UserID == 0 || eventID == 0 {
		return nil, validationError("user id and event id are required")
	}

	passes, err := s.store.ListCompletedPasses(ctx, who.UserID, eventID)
	if err != nil {
		return nil, internalError(err, "failed to list passes")
	}
	if len(passes) == 0 {
		return nil, notFoundError("no passes found")
	}

	out := make([]UserPass, 0, len(passes))
	for i := range passes {
		p := &passes[i]
		out = append(out, UserPass{
			PassID:   p.ID,
			PassUUID: p.UUID(),
			PassType: p.PassType,
			Email:    who.Email,
			EventID:  eventID,
			Entries:  s.entryQRs(p),
		})
	}
	return out, nil
}

// PassQR is everything a ticket page needs to render the pass QR codes.
type PassQR struct {
	PassUUID    string          `json:"passUUID"`
	PassType    string          `json:"passType"`
	ConfirmedAt *time.Time      `json:"confirmedAt,omitempty"`
	Friends     []models.Friend `json:"friends"`
	Amount      int64           `json:"amount"`
	Event       EventSummary    `json:"event"`
	VerifyURL   string          `json:"verifyUrl"`
	Entries     []EntryQR       `json:"entries"`
}

// PassForQR returns QR data for an active pass. Passes in any other state
// are reported as not found.
func (s *RedemptionService) PassForQR(ctx context.Context, passUUID string) (*PassQR, error) {
	pass, event, err := s.passWithEvent(ctx, passUUID)
	if err != nil {
		return nil, err
	}
	if pass.Status != models.PassStatusActive {
		return nil, notFoundError("valid pass not found")
	}

	return &PassQR{
		PassUUID:    pass.UUID(),
		PassType:    pass.PassType,
		ConfirmedAt: pass.ConfirmedAt,
		Friends:     pass.Friends,
		Amount:      pass.TotalAmount(),
		Event:       summarizeEvent(event),
		VerifyURL:   VerifyURL(s.opts.PublicBaseURL, pass.UUID(), ""),
		Entries:     s.entryQRs(pass),
	}, nil
}

func (s *RedemptionService) entryQRs(p *models.Pass) []EntryQR {
	out := make([]EntryQR, 0, len(p.EntryTokens))
	for _, t := range p.EntryTokens {
		out = append(out, EntryQR{
			ID:         t.ID,
			Seat:       t.Seat,
			HolderName: t.HolderName,
			ScannedAt:  t.ScannedAt,
			VerifyURL:  VerifyURL(s.opts.PublicBaseURL, p.UUID(), t.ID),
		})
	}
	return out
}

func (s *RedemptionService) passWithEvent(ctx context.Context, passUUID string) (*models.Pass, *models.Event, error) {
	if passUUID == "" {
		return nil, nil, validationError("pass UUID is required")
	}

	pass, err := s.store.GetPassByUUID(ctx, passUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, notFoundError("pass not found")
	}
	if err != nil {
		return nil, nil, internalError(err, "failed to load pass")
	}

	event, err := s.store.GetEventByID(ctx, pass.EventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, notFoundError("event not found")
	}
	if err != nil {
		return nil, nil, internalError(err, "failed to load event")
	}
	return pass, event, nil
}
