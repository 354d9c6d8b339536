package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State is the normalized remote order state.
type State string

const (
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StatePending   State = "PENDING"
)

// OrderStatus is the only shape of gateway status the rest of the service sees.
type OrderStatus struct {
	MerchantOrderID string          `json:"merchantOrderId,omitempty"`
	OrderID         string          `json:"orderId,omitempty"`
	State           State           `json:"state"`
	Amount          int64           `json:"amount,omitempty"`
	TransactionID   string          `json:"transactionId,omitempty"`
	PaymentMode     string          `json:"paymentMode,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

type rawPaymentAttempt struct {
	TransactionID     string `json:"transactionId"`
	PaymentMode       string `json:"paymentMode"`
	State             string `json:"state"`
	ErrorCode         string `json:"errorCode"`
	DetailedErrorCode string `json:"detailedErrorCode"`
}

// rawStatus covers both response layouts: fields at the top level, or nested
// under "data".
type rawStatus struct {
	MerchantOrderID   string              `json:"merchantOrderId"`
	OrderID           string              `json:"orderId"`
	State             string              `json:"state"`
	Amount            int64               `json:"amount"`
	ErrorCode         string              `json:"errorCode"`
	DetailedErrorCode string              `json:"detailedErrorCode"`
	Reason            string              `json:"reason"`
	PaymentDetails    []rawPaymentAttempt `json:"paymentDetails"`
	Data              *rawStatus          `json:"data"`
}

func (r *rawStatus) flatten() *rawStatus {
	if r.State == "" && r.Data != nil {
		return r.Data.flatten()
	}
	return r
}

// NormalizeStatus maps a raw status response into OrderStatus. A response
// without a state anywhere is rejected.
func NormalizeStatus(body []byte) (*OrderStatus, error) {
	var raw rawStatus
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode order status: %w", err)
	}

	flat := raw.flatten()
	if flat.State == "" {
		return nil, fmt.Errorf("missing 'state' in gateway response")
	}

	status := fromRaw(flat)
	status.State = normalizeState(flat.State)
	status.Raw = append(json.RawMessage(nil), body...)
	return status, nil
}

func fromRaw(r *rawStatus) *OrderStatus {
	status := &OrderStatus{
		MerchantOrderID: r.MerchantOrderID,
		OrderID:         r.OrderID,
		Amount:          r.Amount,
		Reason:          firstNonEmpty(r.Reason, r.DetailedErrorCode, r.ErrorCode),
	}
	if len(r.PaymentDetails) > 0 {
		attempt := r.PaymentDetails[0]
		status.TransactionID = attempt.TransactionID
		status.PaymentMode = attempt.PaymentMode
		if status.Reason == "" {
			status.Reason = firstNonEmpty(attempt.DetailedErrorCode, attempt.ErrorCode)
		}
	}
	return status
}

func normalizeState(s string) State {
	switch strings.ToUpper(s) {
	case string(StateCompleted):
		return StateCompleted
	case string(StateFailed):
		return StateFailed
	default:
		return StatePending
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
