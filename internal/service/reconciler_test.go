package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pass-service/internal/gateway"
	"pass-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func book(t *testing.T, f *fixture, friendNames ...string) *BookingResponse {
	t.Helper()
	resp, err := f.booking.RequestOrder(context.Background(), &BookingRequest{
		UserID:  buyerID,
		EventID: eventID,
		Friends: friends(friendNames...),
	})
	require.NoError(t, err)
	return resp
}

func TestReconcileConfirmsPendingPass(t *testing.T) {
	f := newFixture(10)
	b := book(t, f, "f1")

	res, err := f.reconciler.Reconcile(context.Background(), b.MerchantOrderID, completed(b.MerchantOrderID), SourceWebhook)

	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.True(t, res.Success)
	assert.False(t, res.AlreadyProcessed)
	assert.NotEmpty(t, res.PassUUID)

	pass := f.store.pass(b.PassID)
	assert.Equal(t, models.PassStatusActive, pass.Status)
	assert.Equal(t, models.PaymentStatusCompleted, pass.PaymentStatus)
	assert.Equal(t, res.PassUUID, pass.UUID())
	require.NotNil(t, pass.ConfirmedAt)
	require.NotNil(t, pass.PaymentDetails)
	assert.Equal(t, "webhook", pass.PaymentDetails.Source)
	assert.Equal(t, "T1", pass.PaymentDetails.TransactionID)
	assert.Equal(t, b.MerchantOrderID, pass.PaymentDetails.MerchantOrderID)

	require.Len(t, pass.EntryTokens, 2)
	assert.Equal(t, "Buyer", pass.EntryTokens[0].HolderName)
	assert.Equal(t, "f1", pass.EntryTokens[1].HolderName)
	assert.NotEqual(t, pass.EntryTokens[0].ID, pass.EntryTokens[1].ID)

	assert.Equal(t, 1, f.store.user(buyerID).ActivePasses)
	assert.Equal(t, 1, f.pub.count(models.EventTypePassConfirmed))
}

func TestReconcileIdempotentConfirmation(t *testing.T) {
	f := newFixture(10)
	b := book(t, f, "f1")
	ctx := context.Background()

	first, err := f.reconciler.Reconcile(ctx, b.MerchantOrderID, completed(b.MerchantOrderID), SourceCallback)
	require.NoError(t, err)
	second, err := f.reconciler.Reconcile(ctx, b.MerchantOrderID, completed(b.MerchantOrderID), SourceWebhook)
	require.NoError(t, err)

	assert.False(t, first.AlreadyProcessed)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, OutcomeAlreadyProcessed, second.Outcome)
	assert.Equal(t, first.PassUUID, second.PassUUID)

	pass := f.store.pass(b.PassID)
	assert.Len(t, pass.EntryTokens, 2)
	assert.Equal(t, "callback", pass.PaymentDetails.Source)
	assert.Equal(t, 1, f.store.user(buyerID).ActivePasses)
	assert.Equal(t, 1, f.pub.count(models.EventTypePassConfirmed))
}

func TestReconcileConcurrentConfirmation(t *testing.T) {
	f := newFixture(10)
	b := book(t, f, "f1", "f2")

	const n = 16
	results := make([]*ReconcileResult, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			source := SourceWebhook
			if i%2 == 0 {
				source = SourceCallback
			}
			results[i], errs[i] = f.reconciler.Reconcile(context.Background(), b.MerchantOrderID, completed(b.MerchantOrderID), source)
		}(i)
	}
	close(start)
	wg.Wait()

	confirmed, already := 0, 0
	uuids := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		uuids[results[i].PassUUID] = true
		if results[i].AlreadyProcessed {
			already++
		} else {
			confirmed++
		}
	}

	assert.Equal(t, 1, confirmed)
	assert.Equal(t, n-1, already)
	assert.Len(t, uuids, 1)

	pass := f.store.pass(b.PassID)
	assert.Len(t, pass.EntryTokens, 3)
	assert.Equal(t, 1, f.store.user(buyerID).ActivePasses)
	assert.Equal(t, 1, f.pub.count(models.EventTypePassConfirmed))
}

func TestReconcileFailureAfterSuccessIsNoop(t *testing.T) {
	f := newFixture(10)
	b := book(t, f)
	ctx := context.Background()

	_, err := f.reconciler.Reconcile(ctx, b.MerchantOrderID, completed(b.MerchantOrderID), SourceWebhook)
	require.NoError(t, err)
	res, err := f.reconciler.Reconcile(ctx, b.MerchantOrderID, failed(b.MerchantOrderID), SourceCallback)
	require.NoError(t, err)

	assert.Equal(t, OutcomeIgnored, res.Outcome)
	pass := f.store.pass(b.PassID)
	assert.Equal(t, models.PassStatusActive, pass.Status)
	assert.Equal(t, models.PaymentStatusCompleted, pass.PaymentStatus)
	assert.Equal(t, 0, f.pub.count(models.EventTypePassPaymentFailed))
}

func TestReconcileSuccessAfterFailureWins(t *testing.T) {
	f := newFixture(10)
	b := book(t, f, "f1")
	ctx := context.Background()

	res, err := f.reconciler.Reconcile(ctx, b.MerchantOrderID, failed(b.MerchantOrderID), SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, models.PassStatusPaymentFailed, f.store.pass(b.PassID).Status)
	assert.Equal(t, "USER_DECLINED", f.store.pass(b.PassID).PaymentDetails.Reason)

	res, err = f.reconciler.Reconcile(ctx, b.MerchantOrderID, completed(b.MerchantOrderID), SourceCallback)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)

	pass := f.store.pass(b.PassID)
	assert.Equal(t, models.PassStatusActive, pass.Status)
	assert.Equal(t, models.PaymentStatusCompleted, pass.PaymentStatus)
	assert.Len(t, pass.EntryTokens, 2)
	assert.Equal(t, 1, f.store.user(buyerID).ActivePasses)
}

func TestReconcileConcurrentSuccessAndFailure(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(10)
		b := book(t, f)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.reconciler.Reconcile(context.Background(), b.MerchantOrderID, failed(b.MerchantOrderID), SourceWebhook)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.reconciler.Reconcile(context.Background(), b.MerchantOrderID, completed(b.MerchantOrderID), SourceCallback)
			assert.NoError(t, err)
		}()
		wg.Wait()

		pass := f.store.pass(b.PassID)
		assert.Equal(t, models.PassStatusActive, pass.Status)
		assert.Len(t, pass.EntryTokens, 1)
		assert.Equal(t, 1, f.store.user(buyerID).ActivePasses)
	}
}

func TestReconcileExpiredPassIsOrphanedPayment(t *testing.T) {
	f := newFixture(10)
	b := book(t, f)
	ctx := context.Background()

	f.now = f.now.Add(time.Hour)
	sw := NewSweeper(f.store, nil, f.pub, 0)
	sw.now = func() time.Time { return f.now }
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := f.reconciler.Reconcile(ctx, b.MerchantOrderID, completed(b.MerchantOrderID), SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrphanedPayment, res.Outcome)
	assert.True(t, res.AlreadyProcessed)
	assert.False(t, res.Success)

	pass := f.store.pass(b.PassID)
	assert.Equal(t, models.PassStatusExpired, pass.Status)
	assert.Empty(t, pass.EntryTokens)
	assert.Equal(t, 0, f.store.user(buyerID).ActivePasses)
}

func TestReconcilePendingLeavesPass(t *testing.T) {
	f := newFixture(10)
	b := book(t, f)

	res, err := f.reconciler.Reconcile(context.Background(), b.MerchantOrderID,
		&gateway.OrderStatus{State: gateway.StatePending}, SourceStatusCheck)

	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.Equal(t, models.Pending, f.store.pass(b.PassID).State())
}

func TestReconcileUnknownOrder(t *testing.T) {
	f := newFixture(10)

	_, err := f.reconciler.Reconcile(context.Background(), "TKT_missing", completed("TKT_missing"), SourceWebhook)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.reconciler.Reconcile(context.Background(), "", completed(""), SourceWebhook)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestReconcileFailureForUnknownOrderIgnored(t *testing.T) {
	f := newFixture(10)

	res, err := f.reconciler.Reconcile(context.Background(), "TKT_missing", failed("TKT_missing"), SourceWebhook)

	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, "TKT_missing", res.MerchantOrderID)
	assert.False(t, res.Success)
	assert.Equal(t, 0, f.pub.count(models.EventTypePassPaymentFailed))
}

func TestQueryRemoteStatus(t *testing.T) {
	f := newFixture(10)
	b := book(t, f)
	ctx := context.Background()
	f.gw.setState(b.MerchantOrderID, gateway.StateCompleted)

	check, err := f.reconciler.QueryRemoteStatus(ctx, b.MerchantOrderID, false, SourceStatusCheck)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateCompleted, check.Status)
	assert.Nil(t, check.Result)
	assert.Equal(t, models.Pending, f.store.pass(b.PassID).State())

	check, err = f.reconciler.QueryRemoteStatus(ctx, b.MerchantOrderID, true, SourceStatusCheck)
	require.NoError(t, err)
	require.NotNil(t, check.Result)
	assert.Equal(t, OutcomeConfirmed, check.Result.Outcome)
	assert.Equal(t, "status_check", f.store.pass(b.PassID).PaymentDetails.Source)
}

func TestQueryRemoteStatusGatewayError(t *testing.T) {
	f := newFixture(10)
	b := book(t, f)
	f.gw.statusErr = &gateway.Error{Op: "order_status", StatusCode: 503, Message: "unavailable"}

	_, err := f.reconciler.QueryRemoteStatus(context.Background(), b.MerchantOrderID, true, SourceCallback)

	assert.True(t, errors.Is(err, ErrGateway))
	assert.Contains(t, err.Error(), "unavailable")
	assert.Equal(t, models.Pending, f.store.pass(b.PassID).State())
}

func TestTicketStatusRechecksPending(t *testing.T) {
	f := newFixture(10)
	b := book(t, f)
	f.gw.setState(b.MerchantOrderID, gateway.StateCompleted)

	st, err := f.reconciler.TicketStatus(context.Background(), b.PassID)

	require.NoError(t, err)
	assert.Equal(t, models.PassStatusActive, st.Pass.Status)
	assert.Equal(t, "https://passes.example/verify-ticket/"+st.Pass.UUID(), st.QRCode)
}

func TestTicketStatusSwallowsGatewayError(t *testing.T) {
	f := newFixture(10)
	b := book(t, f)
	f.gw.statusErr = errors.New("timeout")

	st, err := f.reconciler.TicketStatus(context.Background(), b.PassID)

	require.NoError(t, err)
	assert.Equal(t, models.PassStatusPending, st.Pass.Status)
	assert.Empty(t, st.QRCode)
}

func TestTicketStatusSkipsGatewayWhenSettled(t *testing.T) {
	f := newFixture(10)
	b := book(t, f)
	_, err := f.reconciler.Reconcile(context.Background(), b.MerchantOrderID, failed(b.MerchantOrderID), SourceWebhook)
	require.NoError(t, err)

	st, err := f.reconciler.TicketStatus(context.Background(), b.PassID)

	require.NoError(t, err)
	assert.Equal(t, models.PassStatusPaymentFailed, st.Pass.Status)
	assert.Equal(t, 0, f.gw.calls)
}

func TestPassByOrder(t *testing.T) {
	f := newFixture(10)
	b := book(t, f)

	out, err := f.reconciler.PassByOrder(context.Background(), b.MerchantOrderID)
	require.NoError(t, err)
	assert.Equal(t, b.PassID, out.ID)
	assert.Equal(t, models.PassStatusPending, out.Status)
	require.NotNil(t, out.User)
	assert.Equal(t, "Buyer", out.User.Name)

	_, err = f.reconciler.PassByOrder(context.Background(), "TKT_nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRequestRecheck(t *testing.T) {
	f := newFixture(10)
	b := book(t, f)

	require.NoError(t, f.reconciler.RequestRecheck(context.Background(), b.MerchantOrderID, buyerID))
	assert.Equal(t, 1, f.pub.count(models.EventTypePassRecheckRequested))

	err := f.reconciler.RequestRecheck(context.Background(), "", buyerID)
	assert.True(t, errors.Is(err, ErrValidation))

	err = f.reconciler.RequestRecheck(context.Background(), "TKT_nope", buyerID)
	assert.True(t, errors.Is(err, ErrNotFound))
}
