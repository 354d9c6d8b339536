package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pass-service/internal/gateway"
	"pass-service/internal/models"
	"pass-service/internal/store"
	"pass-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const merchantOrderIDAttempts = 5

// BookingService creates pending passes and their remote payment orders.
type BookingService struct {
	store     PassStore
	gateway   PaymentGateway
	publisher EventPublisher
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewBookingService creates a new booking service
func NewBookingService(store PassStore, gw PaymentGateway, publisher EventPublisher, opts Options) *BookingService {
	return &BookingService{
		store:     store,
		gateway:   gw,
		publisher: publisherOrNoop(publisher),
		opts:      opts.withDefaults(),
		logger:    util.Named("booking"),
		now:       time.Now,
	}
}

// BookingRequest is a booking for the authenticated user plus companions.
type BookingRequest struct {
	UserID   int64           `json:"-"`
	EventID  int64           `json:"eventId"`
	PassType string          `json:"passType,omitempty"`
	Friends  []models.Friend `json:"friends,omitempty"`
}

// BookingResponse is returned once the remote checkout is ready.
type BookingResponse struct {
	PassID             int64           `json:"passId"`
	MerchantOrderID    string          `json:"merchantOrderId"`
	PaymentURL         string          `json:"paymentUrl"`
	Amount             int64           `json:"amount"`
	AmountInMinorUnits int64           `json:"amountInMinorUnits"`
	TotalTickets       int             `json:"totalTickets"`
	ExpiresAt          time.Time       `json:"expiresAt"`
	Event              EventSummary    `json:"event"`
	Friends            []models.Friend `json:"friends"`
}

// RequestOrder validates a booking, persists a pending pass and opens a
// checkout for the full amount. A gateway failure leaves the pending pass in
// place; the sweeper expires it.
func (s *BookingService) RequestOrder(ctx context.Context, req *BookingRequest) (*BookingResponse, error) {
	ctx, span := util.StartSpan(ctx, "BookingService.RequestOrder",
		attribute.Int64("user_id", req.UserID),
		attribute.Int64("event_id", req.EventID))
	defer span.End()

	resp, err := s.requestOrder(ctx, req)
	if err != nil {
		util.BookingsFailedTotal.WithLabelValues(string(KindOf(err))).Inc()
		util.RecordError(span, err)
		return nil, err
	}
	return resp, nil
}

func (s *BookingService) requestOrder(ctx context.Context, req *BookingRequest) (*BookingResponse, error) {
	if req.UserID == 0 || req.EventID == 0 {
		return nil, validationError("user id and event id are required")
	}

	user, err := s.store.GetUserByID(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError("user not found")
	}
	if err != nil {
		return nil, internalError(err, "failed to load user")
	}

	event, err := s.store.GetEventByID(ctx, req.EventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError("event not found")
	}
	if err != nil {
		return nil, internalError(err, "failed to load event")
	}

	friends := req.Friends
	if friends == nil {
		friends = []models.Friend{}
	}

	entries := 1 + len(friends)
	if event.RemainingSeats < entries {
		return nil, capacityError("only %d seats remaining, %d requested", event.RemainingSeats, entries)
	}

	merchantOrderID, err := s.newMerchantOrderID(ctx)
	if err != nil {
		return nil, err
	}

	passType := req.PassType
	if passType == "" {
		passType = s.opts.DefaultPassType
	}

	now := s.now().UTC()
	pass := &models.Pass{
		UserID:          user.ID,
		EventID:         event.ID,
		PassType:        passType,
		MerchantOrderID: merchantOrderID,
		Amount:          event.TicketPrice,
		Friends:         friends,
		Status:          models.PassStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.opts.PassTTL),
	}

	if err := s.store.CreatePass(ctx, pass); err != nil {
		return nil, internalError(err, "failed to create pass")
	}

	util.BookingsRequestedTotal.Inc()
	s.logger.Info("Pending pass created",
		zap.Int64("pass_id", pass.ID),
		zap.String("merchant_order_id", merchantOrderID),
		zap.Int("entries", entries))

	total := pass.TotalAmount()
	order, err := s.gateway.CreateOrder(ctx, gateway.CreateOrderRequest{
		MerchantOrderID:  merchantOrderID,
		AmountMinorUnits: total * s.opts.MinorUnitsPerMajor,
		UserID:           user.ID,
		EventID:          event.ID,
		PassType:         passType,
		Friends:          friends,
	})
	if err != nil {
		s.logger.Error("Gateway order creation failed, pending pass left for expiry",
			zap.Int64("pass_id", pass.ID),
			zap.String("merchant_order_id", merchantOrderID),
			zap.Error(err))
		return nil, gatewayError(err)
	}

	if err := s.store.AttachGatewayOrder(ctx, pass.ID, order.GatewayOrderID, order.PaymentURL); err != nil {
		return nil, internalError(err, "failed to store gateway order")
	}

	created := &models.PassCreatedEvent{
		BaseEvent:       models.NewBaseEvent(models.EventTypePassCreated),
		PassID:          pass.ID,
		MerchantOrderID: merchantOrderID,
		UserID:          user.ID,
		EventRef:        event.ID,
		TotalAmount:     total,
		Entries:         entries,
	}
	if err := s.publisher.PublishPassCreated(ctx, created); err != nil {
		s.logger.Warn("Failed to publish PassCreated event", zap.Error(err))
	}

	return &BookingResponse{
		PassID:             pass.ID,
		MerchantOrderID:    merchantOrderID,
		PaymentURL:         order.PaymentURL,
		Amount:             total,
		AmountInMinorUnits: total * s.opts.MinorUnitsPerMajor,
		TotalTickets:       entries,
		ExpiresAt:          pass.ExpiresAt,
		Event:              summarizeEvent(event),
		Friends:            friends,
	}, nil
}

// newMerchantOrderID returns an id no existing pass uses. The unique index on
// merchant_order_id still backs this up at insert time.
func (s *BookingService) newMerchantOrderID(ctx context.Context) (string, error) {
	for i := 0; i < merchantOrderIDAttempts; i++ {
		id := fmt.Sprintf("TKT_%d_%s", s.now().UnixMilli(), strings.ReplaceAll(uuid.New().String(), "-", "")[:12])
		exists, err := s.store.MerchantOrderIDExists(ctx, id)
		if err != nil {
			return "", internalError(err, "failed to check merchant order id")
		}
		if !exists {
			return id, nil
		}
	}
	return "", internalError(nil, "could not allocate a merchant order id")
}
