package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pass-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confirmedPass(t *testing.T, f *fixture, friendNames ...string) *models.Pass {
	t.Helper()
	b := book(t, f, friendNames...)
	_, err := f.reconciler.Reconcile(context.Background(), b.MerchantOrderID, completed(b.MerchantOrderID), SourceWebhook)
	require.NoError(t, err)
	return f.store.pass(b.PassID)
}

func TestBookingWebhookRedeemScenario(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()

	b := book(t, f, "f1")
	assert.Equal(t, int64(1000), b.Amount)
	pending := f.store.pass(b.PassID)
	assert.Equal(t, models.PassStatusPending, pending.Status)
	assert.Empty(t, pending.EntryTokens)

	_, err := f.reconciler.Reconcile(ctx, b.MerchantOrderID, completed(b.MerchantOrderID), SourceWebhook)
	require.NoError(t, err)

	pass := f.store.pass(b.PassID)
	assert.Equal(t, models.PassStatusActive, pass.Status)
	assert.Equal(t, models.PaymentStatusCompleted, pass.PaymentStatus)
	require.NotEmpty(t, pass.UUID())
	require.Len(t, pass.EntryTokens, 2)

	tok1, tok2 := pass.EntryTokens[0].ID, pass.EntryTokens[1].ID

	_, err = f.redemption.Redeem(ctx, organizer, pass.UUID(), tok1)
	require.NoError(t, err)

	_, err = f.redemption.Redeem(ctx, organizer, pass.UUID(), tok1)
	assert.True(t, errors.Is(err, ErrAlreadyRedeemed))

	r, err := f.redemption.Redeem(ctx, organizer, pass.UUID(), tok2)
	require.NoError(t, err)
	assert.Equal(t, "f1", r.HolderName)
	assert.Equal(t, f.now, r.ScannedAt)

	assert.Equal(t, 2, f.pub.count(models.EventTypeEntryRedeemed))
}

func TestRedeemConcurrentExclusivity(t *testing.T) {
	f := newFixture(10)
	pass := confirmedPass(t, f)
	token := pass.EntryTokens[0].ID

	const n = 8
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.redemption.Redeem(context.Background(), organizer, pass.UUID(), token)
		}(i)
	}
	close(start)
	wg.Wait()

	ok, already := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyRedeemed):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, already)
}

func TestRedeemNotFound(t *testing.T) {
	f := newFixture(10)
	pass := confirmedPass(t, f)
	ctx := context.Background()

	_, err := f.redemption.Redeem(ctx, organizer, "no-such-pass", pass.EntryTokens[0].ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.redemption.Redeem(ctx, organizer, pass.UUID(), "no-such-token")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.redemption.Redeem(ctx, organizer, "", "x")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestRedeemRequiresScanner(t *testing.T) {
	f := newFixture(10)
	pass := confirmedPass(t, f)
	token := pass.EntryTokens[0].ID
	ctx := context.Background()

	owner := Identity{UserID: buyerID, Role: models.RoleUser, Email: "buyer@example.com"}
	_, err := f.redemption.Redeem(ctx, owner, pass.UUID(), token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthorization))
	assert.Equal(t, ReasonInvalidRole, err.Error())

	otherManager := Identity{UserID: 4, Role: models.RoleEventManager, Email: "other@example.com"}
	_, err = f.redemption.Redeem(ctx, otherManager, pass.UUID(), token)
	assert.True(t, errors.Is(err, ErrAuthorization))

	assert.Nil(t, f.store.pass(pass.ID).EntryTokens[0].ScannedAt)
	assert.Equal(t, 0, f.pub.count(models.EventTypeEntryRedeemed))

	r, err := f.redemption.Redeem(ctx, organizer, pass.UUID(), token)
	require.NoError(t, err)
	assert.Equal(t, token, r.TokenID)
}

func TestAuthorizeScanner(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()

	tests := []struct {
		name   string
		who    Identity
		kind   Kind
		reason string
	}{
		{"organizer manager", Identity{UserID: organizerID, Role: models.RoleEventManager, Email: "org@example.com"}, "", ""},
		{"organizer admin", Identity{UserID: 3, Role: models.RoleAdmin, Email: "ORG@example.com"}, "", ""},
		{"plain user", Identity{UserID: buyerID, Role: models.RoleUser, Email: "org@example.com"}, KindAuthorization, ReasonInvalidRole},
		{"other manager", Identity{UserID: 4, Role: models.RoleEventManager, Email: "other@example.com"}, KindAuthorization, ReasonNotOrganizer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.redemption.AuthorizeScanner(ctx, tt.who, eventID)
			if tt.kind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.reason, err.Error())
		})
	}

	err := f.redemption.AuthorizeScanner(ctx, Identity{Role: models.RoleAdmin, Email: "org@example.com"}, 99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPassSummaryByUUID(t *testing.T) {
	f := newFixture(10)
	pass := confirmedPass(t, f, "f1", "f2")

	sum, err := f.redemption.PassSummaryByUUID(context.Background(), pass.UUID())

	require.NoError(t, err)
	assert.Equal(t, unitPrice*3, sum.PassAmount)
	assert.Equal(t, 3, sum.PassEntries)
	assert.Equal(t, "Launch Night", sum.PassEventName)
	assert.Equal(t, models.PaymentStatusCompleted, sum.PassPaymentStatus)
	assert.Equal(t, eventID, sum.EventID)
}

func TestListUserPasses(t *testing.T) {
	f := newFixture(10)
	ctx := context.Background()
	who := Identity{UserID: buyerID, Role: models.RoleUser, Email: "buyer@example.com"}

	_, err := f.redemption.ListUserPasses(ctx, who, eventID)
	assert.True(t, errors.Is(err, ErrNotFound))

	pass := confirmedPass(t, f, "f1")
	book(t, f)

	list, err := f.redemption.ListUserPasses(ctx, who, eventID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pass.UUID(), list[0].PassUUID)
	assert.Equal(t, "buyer@example.com", list[0].Email)
	require.Len(t, list[0].Entries, 2)
	assert.Equal(t, "https://passes.example/verify-ticket/"+pass.UUID()+"/"+pass.EntryTokens[1].ID, list[0].Entries[1].VerifyURL)
}

func TestPassForQR(t *testing.T) {
	f := newFixture(10)
	pass := confirmedPass(t, f, "f1")

	qr, err := f.redemption.PassForQR(context.Background(), pass.UUID())

	require.NoError(t, err)
	assert.Equal(t, pass.UUID(), qr.PassUUID)
	assert.Equal(t, unitPrice*2, qr.Amount)
	assert.Equal(t, "https://passes.example/verify-ticket/"+pass.UUID(), qr.VerifyURL)
	assert.Len(t, qr.Entries, 2)
	assert.Equal(t, "Launch Night", qr.Event.Title)
}
