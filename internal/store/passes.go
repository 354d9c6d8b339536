package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pass-service/internal/models"
)

// CreatePass inserts a pending pass
func (s *Store) CreatePass(ctx context.Context, pass *models.Pass) error {
	query := `
		INSERT INTO passes (user_id, event_id, pass_type, merchant_order_id, amount, friends,
			status, payment_status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		pass.UserID, pass.EventID, pass.PassType, pass.MerchantOrderID, pass.Amount, pass.Friends,
		pass.Status, pass.PaymentStatus, pass.CreatedAt, pass.ExpiresAt,
	).Scan(&pass.ID, &pass.UpdatedAt)
}

// AttachGatewayOrder records the remote order id and checkout URL on a pass
func (s *Store) AttachGatewayOrder(ctx context.Context, passID int64, gatewayOrderID, paymentURL string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE passes SET gateway_order_id = $1, payment_url = $2, updated_at = NOW() WHERE id = $3",
		gatewayOrderID, paymentURL, passID)
	return err
}

// GetPassByID retrieves a pass and its entry tokens by internal id
func (s *Store) GetPassByID(ctx context.Context, id int64) (*models.Pass, error) {
	return s.getPass(ctx, "SELECT * FROM passes WHERE id = $1", id)
}

// GetPassByMerchantOrderID retrieves a pass by merchant order id
func (s *Store) GetPassByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.Pass, error) {
	return s.getPass(ctx, "SELECT * FROM passes WHERE merchant_order_id = $1", merchantOrderID)
}

// GetPassByUUID retrieves a confirmed pass by its external id
func (s *Store) GetPassByUUID(ctx context.Context, passUUID string) (*models.Pass, error) {
	return s.getPass(ctx, "SELECT * FROM passes WHERE pass_uuid = $1", passUUID)
}

// MerchantOrderIDExists reports whether the id is already taken
func (s *Store) MerchantOrderIDExists(ctx context.Context, merchantOrderID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM passes WHERE merchant_order_id = $1)", merchantOrderID)
	return exists, err
}

// ListCompletedPasses returns the user's paid passes for an event, tokens included
func (s *Store) ListCompletedPasses(ctx context.Context, userID, eventID int64) ([]models.Pass, error) {
	var passes []models.Pass
	err := s.db.SelectContext(ctx, &passes,
		"SELECT * FROM passes WHERE user_id = $1 AND event_id = $2 AND payment_status = $3 ORDER BY created_at",
		userID, eventID, models.PaymentStatusCompleted)
	if err != nil {
		return nil, err
	}

	for i := range passes {
		tokens, err := s.entryTokens(ctx, passes[i].ID)
		if err != nil {
			return nil, err
		}
		passes[i].EntryTokens = tokens
	}
	return passes, nil
}

// ListExpiredPending returns pending passes whose TTL elapsed before now
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Pass, error) {
	var passes []models.Pass
	err := s.db.SelectContext(ctx, &passes,
		"SELECT * FROM passes WHERE status = $1 AND expires_at < $2 ORDER BY expires_at LIMIT $3",
		models.PassStatusPending, now, limit)
	return passes, err
}

// TransitionPass applies t only if the pass is still in t.From. The guard is
// part of the UPDATE predicate, so concurrent callers race on the row lock and
// at most one of them sees applied=true. Entry tokens and the owner counter are
// written in the same transaction and only by the winner.
func (s *Store) TransitionPass(ctx context.Context, t *models.PassTransition) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE passes SET
			status = $1,
			payment_status = $2,
			pass_uuid = COALESCE(pass_uuid, NULLIF($3, '')),
			confirmed_at = COALESCE($4, confirmed_at),
			payment_details = COALESCE($5, payment_details),
			updated_at = NOW()
		WHERE id = $6 AND status = $7 AND payment_status = $8
			AND ($9::timestamptz IS NULL OR expires_at < $9)`,
		t.To.Status, t.To.PaymentStatus, t.PassUUID, t.ConfirmedAt, t.PaymentDetails,
		t.PassID, t.From.Status, t.From.PaymentStatus, t.ExpiresBefore)
	if err != nil {
		return false, fmt.Errorf("failed to update pass %d: %w", t.PassID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	for _, token := range t.EntryTokens {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO entry_tokens (id, pass_id, seat, holder_name) VALUES ($1, $2, $3, $4)",
			token.ID, t.PassID, token.Seat, token.HolderName)
		if err != nil {
			return false, fmt.Errorf("failed to create entry token: %w", err)
		}
	}

	if t.IncrementOwner {
		_, err := tx.ExecContext(ctx, `
			UPDATE users SET active_passes = active_passes + 1
			WHERE id = (SELECT user_id FROM passes WHERE id = $1)`, t.PassID)
		if err != nil {
			return false, fmt.Errorf("failed to increment active passes: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// MarkEntryScanned stamps scanned_at on a token that has not been scanned yet.
// applied=false with a nil error means the token was already used.
func (s *Store) MarkEntryScanned(ctx context.Context, passID int64, tokenID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE entry_tokens SET scanned_at = $1 WHERE pass_id = $2 AND id = $3 AND scanned_at IS NULL",
		at, passID, tokenID)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	err = s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM entry_tokens WHERE pass_id = $1 AND id = $2)", passID, tokenID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("entry token %s: %w", tokenID, ErrNotFound)
	}
	return false, nil
}

func (s *Store) getPass(ctx context.Context, query string, arg interface{}) (*models.Pass, error) {
	var pass models.Pass
	err := s.db.GetContext(ctx, &pass, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pass %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	tokens, err := s.entryTokens(ctx, pass.ID)
	if err != nil {
		return nil, err
	}
	pass.EntryTokens = tokens
	return &pass, nil
}

func (s *Store) entryTokens(ctx context.Context, passID int64) ([]models.EntryToken, error) {
	var tokens []models.EntryToken
	err := s.db.SelectContext(ctx, &tokens,
		"SELECT * FROM entry_tokens WHERE pass_id = $1 ORDER BY seat", passID)
	return tokens, err
}
