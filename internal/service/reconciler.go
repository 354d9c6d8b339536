package service

import (
	"context"
	"errors"
	"time"

	"pass-service/internal/gateway"
	"pass-service/internal/models"
	"pass-service/internal/store"
	"pass-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Source is the trigger path a payment outcome arrived on. It is recorded for
// audit only and never changes the transition taken.
type Source string

const (
	SourceCallback    Source = "callback"
	SourceWebhook     Source = "webhook"
	SourceStatusCheck Source = "status_check"
)

// A pass moves at most twice (pending -> payment_failed -> active), so a
// trigger never loses more races than this.
const maxTransitionAttempts = 3

// Reconciler applies gateway payment outcomes to passes exactly once.
type Reconciler struct {
	store     PassStore
	gateway   PaymentGateway
	publisher EventPublisher
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewReconciler creates a new reconciler
func NewReconciler(store PassStore, gw PaymentGateway, publisher EventPublisher, opts Options) *Reconciler {
	return &Reconciler{
		store:     store,
		gateway:   gw,
		publisher: publisherOrNoop(publisher),
		opts:      opts.withDefaults(),
		logger:    util.Named("reconciler"),
		now:       time.Now,
	}
}

// ReconcileResult reports what a trigger did and where the pass ended up.
type ReconcileResult struct {
	PassID           int64   `json:"passId"`
	PassUUID         string  `json:"passUUID,omitempty"`
	MerchantOrderID  string  `json:"merchantOrderId"`
	Status           string  `json:"status"`
	PaymentStatus    string  `json:"paymentStatus"`
	Outcome          Outcome `json:"outcome"`
	AlreadyProcessed bool    `json:"alreadyProcessed"`
	Success          bool    `json:"success"`
	Message          string  `json:"message"`
}

// Reconcile applies an already fetched gateway status to the pass owning
// merchantOrderID.
func (r *Reconciler) Reconcile(ctx context.Context, merchantOrderID string, status *gateway.OrderStatus, source Source) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Reconcile",
		attribute.String("merchant_order_id", merchantOrderID),
		attribute.String("source", string(source)))
	defer span.End()

	result, err := r.reconcile(ctx, merchantOrderID, status, source)
	if err != nil {
		util.RecordError(span, err)
		r.logger.Error("Reconciliation failed",
			zap.String("merchant_order_id", merchantOrderID),
			zap.String("source", string(source)),
			zap.Error(err))
		return nil, err
	}

	util.ReconcileOutcomesTotal.WithLabelValues(string(source), string(result.Outcome)).Inc()
	fields := []zap.Field{
		zap.String("merchant_order_id", merchantOrderID),
		zap.String("source", string(source)),
		zap.String("outcome", string(result.Outcome)),
		zap.Int64("pass_id", result.PassID),
	}
	if result.Outcome == OutcomeOrphanedPayment {
		r.logger.Warn("Payment completed for an expired pass", fields...)
	} else {
		r.logger.Info("Reconciled pass", fields...)
	}
	return result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, merchantOrderID string, status *gateway.OrderStatus, source Source) (*ReconcileResult, error) {
	if merchantOrderID == "" {
		return nil, validationError("merchant order id is required")
	}
	if status == nil {
		return nil, validationError("payment status is required")
	}

	trigger := TriggerFor(status.State)
	pass, err := r.lookup(ctx, merchantOrderID)
	if err != nil {
		// A failure report has nothing to undo when no pass exists.
		if trigger == TriggerFailed && errors.Is(err, ErrNotFound) {
			return &ReconcileResult{
				MerchantOrderID: merchantOrderID,
				Outcome:         OutcomeIgnored,
				Message:         "No pending pass for this order",
			}, nil
		}
		return nil, err
	}

	var (
		decision Transition
		t        *models.PassTransition
	)
	for attempt := 0; ; attempt++ {
		decision = Decide(pass.State(), trigger)
		if !decision.Apply {
			return resultFor(pass, decision.Outcome), nil
		}
		if attempt == maxTransitionAttempts {
			return nil, internalError(nil, "pass %d kept changing during reconciliation", pass.ID)
		}

		t, err = r.buildTransition(ctx, pass, decision, status, source)
		if err != nil {
			return nil, err
		}
		var applied bool
		applied, err = r.store.TransitionPass(ctx, t)
		if err != nil {
			return nil, internalError(err, "failed to update pass")
		}
		if applied {
			break
		}

		// Another trigger won the guarded write; decide again from its result.
		pass, err = r.lookup(ctx, merchantOrderID)
		if err != nil {
			return nil, err
		}
	}

	pass.Status = t.To.Status
	pass.PaymentStatus = t.To.PaymentStatus
	pass.PaymentDetails = t.PaymentDetails
	if decision.Confirm {
		uuidStr := t.PassUUID
		pass.PassUUID = &uuidStr
		pass.ConfirmedAt = t.ConfirmedAt
		pass.EntryTokens = t.EntryTokens
	}

	r.publishApplied(ctx, pass, decision.Outcome, source)
	return resultFor(pass, decision.Outcome), nil
}

func (r *Reconciler) buildTransition(ctx context.Context, pass *models.Pass, decision Transition, status *gateway.OrderStatus, source Source) (*models.PassTransition, error) {
	now := r.now().UTC()
	details := &models.PaymentDetails{
		OrderID:         status.OrderID,
		TransactionID:   status.TransactionID,
		Amount:          status.Amount,
		PaymentMode:     status.PaymentMode,
		Reason:          status.Reason,
		Source:          string(source),
		MerchantOrderID: pass.MerchantOrderID,
	}

	t := &models.PassTransition{
		PassID:         pass.ID,
		From:           pass.State(),
		To:             decision.Next,
		PaymentDetails: details,
	}

	if !decision.Confirm {
		details.FailedAt = &now
		return t, nil
	}

	details.CompletedAt = &now
	passUUID := pass.UUID()
	if passUUID == "" {
		passUUID = uuid.New().String()
	}

	holder := ""
	user, err := r.store.GetUserByID(ctx, pass.UserID)
	switch {
	case err == nil:
		holder = user.Name
	case errors.Is(err, store.ErrNotFound):
		r.logger.Warn("Pass owner missing", zap.Int64("pass_id", pass.ID), zap.Int64("user_id", pass.UserID))
	default:
		return nil, internalError(err, "failed to load pass owner")
	}

	tokens := make([]models.EntryToken, 0, pass.Entries())
	tokens = append(tokens, models.EntryToken{ID: uuid.New().String(), PassID: pass.ID, Seat: 0, HolderName: holder})
	for i, f := range pass.Friends {
		tokens = append(tokens, models.EntryToken{ID: uuid.New().String(), PassID: pass.ID, Seat: i + 1, HolderName: f.Name})
	}

	t.PassUUID = passUUID
	t.ConfirmedAt = &now
	t.EntryTokens = tokens
	t.IncrementOwner = true
	return t, nil
}

func (r *Reconciler) publishApplied(ctx context.Context, pass *models.Pass, outcome Outcome, source Source) {
	var err error
	switch outcome {
	case OutcomeConfirmed:
		err = r.publisher.PublishPassConfirmed(ctx, &models.PassConfirmedEvent{
			BaseEvent:       models.NewBaseEvent(models.EventTypePassConfirmed),
			PassID:          pass.ID,
			PassUUID:        pass.UUID(),
			MerchantOrderID: pass.MerchantOrderID,
			UserID:          pass.UserID,
			Entries:         pass.Entries(),
			Source:          string(source),
		})
	case OutcomeFailed:
		reason := ""
		if pass.PaymentDetails != nil {
			reason = pass.PaymentDetails.Reason
		}
		err = r.publisher.PublishPassPaymentFailed(ctx, &models.PassPaymentFailedEvent{
			BaseEvent:       models.NewBaseEvent(models.EventTypePassPaymentFailed),
			PassID:          pass.ID,
			MerchantOrderID: pass.MerchantOrderID,
			Reason:          reason,
			Source:          string(source),
		})
	}
	if err != nil {
		r.logger.Warn("Failed to publish pass event",
			zap.String("outcome", string(outcome)),
			zap.Int64("pass_id", pass.ID),
			zap.Error(err))
	}
}

func resultFor(pass *models.Pass, outcome Outcome) *ReconcileResult {
	res := &ReconcileResult{
		PassID:          pass.ID,
		PassUUID:        pass.UUID(),
		MerchantOrderID: pass.MerchantOrderID,
		Status:          pass.Status,
		PaymentStatus:   pass.PaymentStatus,
		Outcome:         outcome,
		Success:         pass.Status == models.PassStatusActive,
	}
	switch outcome {
	case OutcomeConfirmed:
		res.Message = "Payment confirmed successfully"
	case OutcomeAlreadyProcessed:
		res.AlreadyProcessed = true
		res.Message = "Payment already confirmed"
		if pass.Status != models.PassStatusActive {
			res.Message = "Pass already processed"
		}
	case OutcomeOrphanedPayment:
		res.AlreadyProcessed = true
		res.Message = "Pass expired before payment completed"
	case OutcomeFailed:
		res.Message = "Payment failed"
	case OutcomeIgnored:
		res.Message = "No pending pass for this order"
	case OutcomePending:
		res.Message = "Payment pending"
	case OutcomeExpired:
		res.Message = "Pass expired"
	}
	return res
}

// StatusCheck is a live gateway status, plus the reconciliation it caused
// when applied.
type StatusCheck struct {
	MerchantOrderID string               `json:"merchantOrderId"`
	Status          gateway.State        `json:"status"`
	Data            *gateway.OrderStatus `json:"data"`
	Result          *ReconcileResult     `json:"result,omitempty"`
}

// QueryRemoteStatus fetches the live order state and, if autoApply is set,
// reconciles the pass with it.
func (r *Reconciler) QueryRemoteStatus(ctx context.Context, merchantOrderID string, autoApply bool, source Source) (*StatusCheck, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.QueryRemoteStatus",
		attribute.String("merchant_order_id", merchantOrderID),
		attribute.Bool("auto_apply", autoApply))
	defer span.End()

	if merchantOrderID == "" {
		return nil, validationError("merchant order id is required")
	}

	status, err := r.gateway.GetOrderStatus(ctx, merchantOrderID)
	if err != nil {
		util.RecordError(span, err)
		return nil, gatewayError(err)
	}

	check := &StatusCheck{MerchantOrderID: merchantOrderID, Status: status.State, Data: status}
	if !autoApply {
		return check, nil
	}

	result, err := r.Reconcile(ctx, merchantOrderID, status, source)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	check.Result = result
	return check, nil
}

// LookupByOrder returns the pass for a merchant order id.
func (r *Reconciler) LookupByOrder(ctx context.Context, merchantOrderID string) (*models.Pass, error) {
	if merchantOrderID == "" {
		return nil, validationError("merchant order id is required")
	}
	return r.lookup(ctx, merchantOrderID)
}

// OrderLookup is the payment-order view of a pass with its owner.
type OrderLookup struct {
	ID             int64                  `json:"id"`
	Status         string                 `json:"status"`
	PaymentStatus  string                 `json:"paymentStatus"`
	PaymentDetails *models.PaymentDetails `json:"paymentDetails,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	User           *models.User           `json:"user,omitempty"`
}

// PassByOrder is LookupByOrder with the owner attached.
func (r *Reconciler) PassByOrder(ctx context.Context, merchantOrderID string) (*OrderLookup, error) {
	pass, err := r.LookupByOrder(ctx, merchantOrderID)
	if err != nil {
		return nil, err
	}

	out := &OrderLookup{
		ID:             pass.ID,
		Status:         pass.Status,
		PaymentStatus:  pass.PaymentStatus,
		PaymentDetails: pass.PaymentDetails,
		CreatedAt:      pass.CreatedAt,
	}
	user, err := r.store.GetUserByID(ctx, pass.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, internalError(err, "failed to load pass owner")
	}
	out.User = user
	return out, nil
}

// RequestRecheck queues an asynchronous status check for an order.
func (r *Reconciler) RequestRecheck(ctx context.Context, merchantOrderID string, requestedBy int64) error {
	if merchantOrderID == "" {
		return validationError("merchant order id is required")
	}
	if _, err := r.lookup(ctx, merchantOrderID); err != nil {
		return err
	}

	err := r.publisher.PublishRecheckRequested(ctx, &models.PassRecheckRequestedEvent{
		BaseEvent:       models.NewBaseEvent(models.EventTypePassRecheckRequested),
		MerchantOrderID: merchantOrderID,
		RequestedBy:     requestedBy,
	})
	if err != nil {
		return internalError(err, "failed to queue status recheck")
	}
	r.logger.Info("Status recheck requested", zap.String("merchant_order_id", merchantOrderID))
	return nil
}

// TicketStatus is a pass with its QR payload once active.
type TicketStatus struct {
	Pass   *models.Pass `json:"pass"`
	QRCode string       `json:"qrCode,omitempty"`
}

// TicketStatus returns a pass by id. While the pass is pending the gateway is
// asked again and any result applied; gateway errors are logged and the
// stored state returned.
func (r *Reconciler) TicketStatus(ctx context.Context, passID int64) (*TicketStatus, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.TicketStatus", attribute.Int64("pass_id", passID))
	defer span.End()

	if passID == 0 {
		return nil, validationError("pass id is required")
	}

	pass, err := r.store.GetPassByID(ctx, passID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError("pass not found")
	}
	if err != nil {
		return nil, internalError(err, "failed to load pass")
	}

	if pass.Status == models.PassStatusPending {
		if _, err := r.QueryRemoteStatus(ctx, pass.MerchantOrderID, true, SourceStatusCheck); err != nil {
			r.logger.Warn("Ticket status recheck failed",
				zap.Int64("pass_id", pass.ID),
				zap.String("merchant_order_id", pass.MerchantOrderID),
				zap.Error(err))
		} else if pass, err = r.store.GetPassByID(ctx, passID); err != nil {
			return nil, internalError(err, "failed to reload pass")
		}
	}

	out := &TicketStatus{Pass: pass}
	if pass.Status == models.PassStatusActive {
		out.QRCode = VerifyURL(r.opts.PublicBaseURL, pass.UUID(), "")
	}
	return out, nil
}

func (r *Reconciler) lookup(ctx context.Context, merchantOrderID string) (*models.Pass, error) {
	pass, err := r.store.GetPassByMerchantOrderID(ctx, merchantOrderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError("pass not found for this payment order")
	}
	if err != nil {
		return nil, internalError(err, "failed to load pass")
	}
	return pass, nil
}
