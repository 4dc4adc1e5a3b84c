// Package payment talks to the payment provider. The engine only needs
// two calls: create a coupon object from a template and mint a
// promotion code bound to it.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"revclaw/internal/config"
)

type CouponParams struct {
	Name           string
	PercentOff     float64
	Duration       string
	DurationMonths int
	MaxRedemptions int
	RedeemBy       *time.Time
}

type Coupon struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	PercentOff float64 `json:"percent_off"`
	Duration   string  `json:"duration"`
}

type PromoCodeParams struct {
	CouponID string
	Code     string
}

type PromotionCode struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// Client is what the engine depends on; tests swap in a fake.
type Client interface {
	CreateCoupon(ctx context.Context, accountID string, p CouponParams) (Coupon, error)
	CreatePromotionCode(ctx context.Context, accountID string, p PromoCodeParams) (PromotionCode, error)
}

// APIError is a non-2xx response from the provider. Code carries the
// provider's machine-readable error code when one was returned.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment provider: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("payment provider: HTTP %d: %s", e.Status, e.Message)
}

// CodeTaken reports whether err means the requested promotion code is
// already in use at the provider.
func CodeTaken(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && (apiErr.Code == "resource_already_exists" || apiErr.Code == "promotion_code_taken")
}

type httpClient struct {
	base   string
	apiKey string
	client *http.Client
}

func NewHTTPClient(cfg config.StripeConfig) Client {
	return &httpClient{
		base:   strings.TrimRight(cfg.APIBase, "/"),
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *httpClient) CreateCoupon(ctx context.Context, accountID string, p CouponParams) (Coupon, error) {
	form := url.Values{}
	form.Set("name", p.Name)
	form.Set("percent_off", strconv.FormatFloat(p.PercentOff, 'f', -1, 64))
	form.Set("duration", p.Duration)
	if p.Duration == "repeating" {
		form.Set("duration_in_months", strconv.Itoa(p.DurationMonths))
	}
	if p.MaxRedemptions > 0 {
		form.Set("max_redemptions", strconv.Itoa(p.MaxRedemptions))
	}
	if p.RedeemBy != nil {
		form.Set("redeem_by", strconv.FormatInt(p.RedeemBy.Unix(), 10))
	}
	var out Coupon
	err := c.post(ctx, "/v1/coupons", accountID, form, &out)
	return out, err
}

func (c *httpClient) CreatePromotionCode(ctx context.Context, accountID string, p PromoCodeParams) (PromotionCode, error) {
	form := url.Values{}
	form.Set("coupon", p.CouponID)
	form.Set("code", p.Code)
	var out PromotionCode
	err := c.post(ctx, "/v1/promotion_codes", accountID, form, &out)
	return out, err
}

func (c *httpClient) post(ctx context.Context, path, accountID string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if accountID != "" {
		req.Header.Set("Stripe-Account", accountID)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("payment provider: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("payment provider: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	return json.Unmarshal(body, out)
}
