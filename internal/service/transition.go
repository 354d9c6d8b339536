package service

import (
	"pass-service/internal/gateway"
	"pass-service/internal/models"
)

// Trigger is something that happened to a pass: a payment outcome reported by
// callback, webhook or status check, or the TTL running out.
type Trigger string

const (
	TriggerCompleted Trigger = "completed"
	TriggerFailed    Trigger = "failed"
	TriggerPending   Trigger = "pending"
	TriggerExpiry    Trigger = "expiry"
)

// TriggerFor maps a normalized gateway state to a trigger.
func TriggerFor(state gateway.State) Trigger {
	switch state {
	case gateway.StateCompleted:
		return TriggerCompleted
	case gateway.StateFailed:
		return TriggerFailed
	default:
		return TriggerPending
	}
}

// Outcome is what a trigger did to a pass.
type Outcome string

const (
	OutcomeConfirmed        Outcome = "confirmed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeFailed           Outcome = "failed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeExpired          Outcome = "expired"
	OutcomePending          Outcome = "pending"
	// OutcomeOrphanedPayment is a completed payment for a pass that already
	// expired. It is left unresolved for an operator.
	OutcomeOrphanedPayment Outcome = "orphaned_payment"
)

// Transition is the decision for one (state, trigger) pair. When Apply is
// false nothing is written.
type Transition struct {
	Outcome Outcome
	Apply   bool
	Next    models.PassState
	// Confirm means: assign passUUID, create entry tokens, stamp confirmedAt
	// and increment the owner's counter, all in the same guarded write.
	Confirm bool
}

var paymentFailed = models.PassState{Status: models.PassStatusPaymentFailed, PaymentStatus: models.PaymentStatusFailed}

// Decide is the pass lifecycle table. Every path that changes a pass's
// status goes through it.
func Decide(current models.PassState, trigger Trigger) Transition {
	if current == models.Pending {
		switch trigger {
		case TriggerCompleted:
			return Transition{
				Outcome: OutcomeConfirmed,
				Apply:   true,
				Next:    models.PassState{Status: models.PassStatusActive, PaymentStatus: models.PaymentStatusCompleted},
				Confirm: true,
			}
		case TriggerFailed:
			return Transition{
				Outcome: OutcomeFailed,
				Apply:   true,
				Next:    models.PassState{Status: models.PassStatusPaymentFailed, PaymentStatus: models.PaymentStatusFailed},
			}
		case TriggerExpiry:
			return Transition{
				Outcome: OutcomeExpired,
				Apply:   true,
				Next:    models.PassState{Status: models.PassStatusExpired, PaymentStatus: current.PaymentStatus},
			}
		default:
			return Transition{Outcome: OutcomePending, Next: current}
		}
	}

	if trigger != TriggerCompleted {
		return Transition{Outcome: OutcomeIgnored, Next: current}
	}
	// A completion reported after a failure wins: the gateway took the money.
	if current == paymentFailed {
		return Transition{
			Outcome: OutcomeConfirmed,
			Apply:   true,
			Next:    models.PassState{Status: models.PassStatusActive, PaymentStatus: models.PaymentStatusCompleted},
			Confirm: true,
		}
	}
	if current.Status == models.PassStatusExpired && current.PaymentStatus != models.PaymentStatusCompleted {
		return Transition{Outcome: OutcomeOrphanedPayment, Next: current}
	}
	return Transition{Outcome: OutcomeAlreadyProcessed, Next: current}
}
