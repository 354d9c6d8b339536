// Package gateway is the PhonePe checkout client: credential exchange, order
// creation and order status lookup. Callers only ever see normalized types.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pass-service/internal/models"
	"pass-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Config is everything the client needs; nothing is read from the environment.
type Config struct {
	AuthURL       string
	BaseURL       string
	ClientID      string
	ClientSecret  string
	ClientVersion string
	Timeout       time.Duration
	// OrderExpireAfter is sent to the gateway as the checkout lifetime.
	OrderExpireAfter time.Duration
	// CallbackBaseURL is this service's public URL; the buyer is redirected to
	// <CallbackBaseURL>/api/payment/callback/<merchantOrderId>.
	CallbackBaseURL string
	Message         string
}

// TokenCache stores access tokens across instances. Implemented by redisclient.
type TokenCache interface {
	GetGatewayToken(ctx context.Context) (string, error)
	SetGatewayToken(ctx context.Context, token string, ttl time.Duration) error
}

// Error is a failed gateway call.
type Error struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (%d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

// CreateOrderRequest is a checkout order for the full pass total.
type CreateOrderRequest struct {
	MerchantOrderID  string
	AmountMinorUnits int64
	UserID           int64
	EventID          int64
	PassType         string
	Friends          []models.Friend
}

// Order is the remote order created for a booking.
type Order struct {
	GatewayOrderID string
	PaymentURL     string
	State          string
	ExpireAt       int64
}

type Client struct {
	cfg    Config
	http   *http.Client
	cache  TokenCache
	logger *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a checkout client. cache may be nil, in which case tokens
// are only cached in-process.
func NewClient(cfg Config, cache TokenCache) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "1"
	}
	if cfg.Message == "" {
		cfg.Message = "Ticket Booking"
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		logger: util.Named("gateway"),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
	Message     string `json:"message"`
}

// Authenticate returns a valid access token, exchanging client credentials
// when no cached token is left.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	if c.cache != nil {
		token, err := c.cache.GetGatewayToken(ctx)
		if err != nil {
			c.logger.Warn("Gateway token cache read failed", zap.Error(err))
		} else if token != "" {
			return token, nil
		}
	}

	ctx, span := util.StartSpan(ctx, "Gateway.Authenticate")
	defer span.End()

	form := url.Values{
		"client_id":      {c.cfg.ClientID},
		"client_secret":  {c.cfg.ClientSecret},
		"grant_type":     {"client_credentials"},
		"client_version": {c.cfg.ClientVersion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp tokenResponse
	if err := c.do(req, "authenticate", &resp); err != nil {
		util.RecordError(span, err)
		return "", err
	}
	if resp.AccessToken == "" {
		err := &Error{Op: "authenticate", Message: "empty access token"}
		util.RecordError(span, err)
		return "", err
	}

	ttl := 10 * time.Minute
	if resp.ExpiresAt > 0 {
		ttl = time.Until(time.Unix(resp.ExpiresAt, 0)) - time.Minute
	}
	if ttl > 0 {
		c.mu.Lock()
		c.token = resp.AccessToken
		c.tokenExpiry = time.Now().Add(ttl)
		c.mu.Unlock()

		if c.cache != nil {
			if err := c.cache.SetGatewayToken(ctx, resp.AccessToken, ttl); err != nil {
				c.logger.Warn("Gateway token cache write failed", zap.Error(err))
			}
		}
	}

	return resp.AccessToken, nil
}

type createOrderPayload struct {
	MerchantOrderID string            `json:"merchantOrderId"`
	Amount          int64             `json:"amount"`
	ExpireAfter     int64             `json:"expireAfter"`
	MetaInfo        map[string]string `json:"metaInfo"`
	PaymentFlow     paymentFlow       `json:"paymentFlow"`
}

type paymentFlow struct {
	Type         string            `json:"type"`
	Message      string            `json:"message"`
	MerchantUrls map[string]string `json:"merchantUrls"`
}

type createOrderResponse struct {
	OrderID     string               `json:"orderId"`
	State       string               `json:"state"`
	ExpireAt    int64                `json:"expireAt"`
	RedirectURL string               `json:"redirectUrl"`
	Data        *createOrderResponse `json:"data"`
}

// CallbackURL is where the gateway sends the buyer's browser after checkout.
func (c *Client) CallbackURL(merchantOrderID string) string {
	return fmt.Sprintf("%s/api/payment/callback/%s", c.cfg.CallbackBaseURL, url.PathEscape(merchantOrderID))
}

// CreateOrder creates a remote checkout order for the given amount in minor units.
func (c *Client) CreateOrder(ctx context.Context, order CreateOrderRequest) (*Order, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.CreateOrder",
		attribute.String("merchant_order_id", order.MerchantOrderID))
	defer span.End()

	if order.Friends == nil {
		order.Friends = []models.Friend{}
	}
	friends, err := json.Marshal(order.Friends)
	if err != nil {
		return nil, fmt.Errorf("encode friends: %w", err)
	}

	payload := createOrderPayload{
		MerchantOrderID: order.MerchantOrderID,
		Amount:          order.AmountMinorUnits,
		ExpireAfter:     int64(c.cfg.OrderExpireAfter / time.Second),
		MetaInfo: map[string]string{
			"udf1": fmt.Sprint(order.UserID),
			"udf2": fmt.Sprint(order.EventID),
			"udf3": order.PassType,
			"udf4": string(friends),
		},
		PaymentFlow: paymentFlow{
			Type:         "PG_CHECKOUT",
			Message:      c.cfg.Message,
			MerchantUrls: map[string]string{"redirectUrl": c.CallbackURL(order.MerchantOrderID)},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := c.authorizedRequest(ctx, http.MethodPost, c.cfg.BaseURL+"/checkout/v2/pay", bytes.NewReader(body))
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	var resp createOrderResponse
	if err := c.do(req, "create_order", &resp); err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	r := &resp
	if r.OrderID == "" && r.Data != nil {
		r = r.Data
	}

	return &Order{
		GatewayOrderID: r.OrderID,
		PaymentURL:     r.RedirectURL,
		State:          r.State,
		ExpireAt:       r.ExpireAt,
	}, nil
}

// GetOrderStatus fetches and normalizes the live state of a merchant order.
func (c *Client) GetOrderStatus(ctx context.Context, merchantOrderID string) (*OrderStatus, error) {
	ctx, span := util.StartSpan(ctx, "Gateway.GetOrderStatus",
		attribute.String("merchant_order_id", merchantOrderID))
	defer span.End()

	endpoint := fmt.Sprintf("%s/checkout/v2/order/%s/status", c.cfg.BaseURL, url.PathEscape(merchantOrderID))
	req, err := c.authorizedRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var raw json.RawMessage
	if err := c.do(req, "order_status", &raw); err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	status, err := NormalizeStatus(raw)
	if err != nil {
		util.GatewayErrorsTotal.WithLabelValues("order_status").Inc()
		util.RecordError(span, err)
		return nil, &Error{Op: "order_status", Message: err.Error()}
	}
	if status.MerchantOrderID == "" {
		status.MerchantOrderID = merchantOrderID
	}
	return status, nil
}

func (c *Client) authorizedRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "O-Bearer "+token)
	return req, nil
}

// do executes req and decodes a 2xx JSON body into out. Non-2xx responses
// become *Error carrying the gateway's message when it sent one.
func (c *Client) do(req *http.Request, op string, out interface{}) error {
	start := time.Now()
	defer func() {
		util.GatewayRequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.http.Do(req)
	if err != nil {
		util.GatewayErrorsTotal.WithLabelValues(op).Inc()
		c.logger.Error("Gateway request failed", zap.String("operation", op), zap.Error(err))
		return &Error{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		util.GatewayErrorsTotal.WithLabelValues(op).Inc()
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		util.GatewayErrorsTotal.WithLabelValues(op).Inc()
		msg := http.StatusText(resp.StatusCode)
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			msg = e.Message
		}
		c.logger.Error("Gateway returned error",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, out); err != nil {
		util.GatewayErrorsTotal.WithLabelValues(op).Inc()
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid response: %v", err)}
	}
	return nil
}
