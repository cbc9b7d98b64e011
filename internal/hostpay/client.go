// Package hostpay is the client for the HostPay mobile-money bridge API.
// It wraps three payment operations (initiate push, query push, verify a
// manual transaction) plus account listing, and surfaces every failure as a
// typed *Error. No business logic lives here.
package hostpay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hostbridge/internal/domain"
	"hostbridge/pkg/config"
	"hostbridge/pkg/logger"
)

type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	gatewayType string
	logger      logger.Logger
}

func NewClient(cfg config.HostPayConfig, log logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/") + "/",
		apiKey:      cfg.APIKey,
		gatewayType: cfg.GatewayType,
		logger:      log,
	}
}

// STKPushRequest carries the five parameters of a push-payment prompt.
// Amount is in whole currency units, already rounded.
type STKPushRequest struct {
	Shortcode        string
	Amount           int64
	PhoneNumber      string
	Reason           string
	AccountReference string
}

// InitiateSTKPush sends a payment prompt to the payer's phone. Empty
// parameters fail fast with a missing_parameter error before any network
// call is attempted.
func (c *Client) InitiateSTKPush(ctx context.Context, req STKPushRequest) (Payload, error) {
	switch {
	case req.Shortcode == "":
		return nil, missingParameter("shortcode")
	case req.Amount <= 0:
		return nil, missingParameter("amount")
	case req.PhoneNumber == "":
		return nil, missingParameter("phone_number")
	case req.Reason == "":
		return nil, missingParameter("reason")
	case req.AccountReference == "":
		return nil, missingParameter("account_reference")
	}

	form := url.Values{}
	form.Set("shortcode", req.Shortcode)
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("phone_number", req.PhoneNumber)
	form.Set("reason", req.Reason)
	form.Set("account_reference", req.AccountReference)

	return c.postForm(ctx, "stk-push/initiate", form)
}

// QuerySTKPush fetches the current outcome of a previously initiated push.
func (c *Client) QuerySTKPush(ctx context.Context, checkoutRequestID string) (Payload, error) {
	if checkoutRequestID == "" {
		return nil, missingParameter("checkout_request_id")
	}

	params := url.Values{}
	params.Set("checkout_request_id", checkoutRequestID)

	return c.get(ctx, "stk-push/query", params)
}

// VerifyRequest carries the parameters for matching a manually-entered
// transaction code against the remote ledger.
type VerifyRequest struct {
	TransID           string
	BillRefNumber     string
	Amount            int64
	BusinessShortcode string
}

// VerifyTransaction asks the remote ledger whether the given transaction code
// corresponds to a payment for the reference and shortcode.
func (c *Client) VerifyTransaction(ctx context.Context, req VerifyRequest) (Payload, error) {
	switch {
	case req.TransID == "":
		return nil, missingParameter("trans_id")
	case req.BillRefNumber == "":
		return nil, missingParameter("bill_ref_number")
	case req.Amount <= 0:
		return nil, missingParameter("amount")
	case req.BusinessShortcode == "":
		return nil, missingParameter("business_shortcode")
	}

	form := url.Values{}
	form.Set("trans_id", req.TransID)
	form.Set("bill_ref_number", req.BillRefNumber)
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("business_shortcode", req.BusinessShortcode)
	// Identifies the integration to the remote matching service.
	form.Set("gateway_type", c.gatewayType)

	return c.postForm(ctx, "gateways/verify", form)
}

// ListAccounts fetches the merchant's M-Pesa accounts.
func (c *Client) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	payload, err := c.get(ctx, "mpesa-accounts", nil)
	if err != nil {
		return nil, err
	}
	return accountsFromPayload(payload), nil
}

// GetAccount fetches a single M-Pesa account by id.
func (c *Client) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	if id == "" {
		return nil, missingParameter("id")
	}

	params := url.Values{}
	params.Set("id", id)

	payload, err := c.get(ctx, "mpesa-accounts/show", params)
	if err != nil {
		return nil, err
	}
	acc := accountFromPayload(payload.Data())
	return &acc, nil
}

// UserDetails fetches the authenticated merchant profile.
func (c *Client) UserDetails(ctx context.Context) (Payload, error) {
	return c.get(ctx, "user", nil)
}

// TestConnection reports whether the configured API key is usable.
func (c *Client) TestConnection(ctx context.Context) bool {
	_, err := c.UserDetails(ctx)
	return err == nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (Payload, error) {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apiError(err.Error(), 0)
	}

	return c.do(req, nil)
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apiError(err.Error(), 0)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req, form)
}

func (c *Client) do(req *http.Request, form url.Values) (Payload, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	fields := map[string]interface{}{
		"method": req.Method,
		"url":    req.URL.String(),
	}
	if form != nil {
		fields["params"] = form.Encode()
	}
	c.logger.Debug("API request", fields)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("API request failed", map[string]interface{}{
			"url":   req.URL.String(),
			"error": err.Error(),
		})
		return nil, apiError(err.Error(), 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apiError(err.Error(), resp.StatusCode)
	}

	var payload Payload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			c.logger.Error("API response not valid JSON", map[string]interface{}{
				"url":    req.URL.String(),
				"status": resp.StatusCode,
			})
			return nil, apiError("malformed response body", resp.StatusCode)
		}
	}

	c.logger.Debug("API response", map[string]interface{}{
		"url":    req.URL.String(),
		"status": resp.StatusCode,
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message, _ := payload.String("message")
		return nil, apiError(message, resp.StatusCode)
	}

	return payload, nil
}

func accountsFromPayload(payload Payload) []domain.Account {
	raw, ok := payload["data"].([]interface{})
	if !ok {
		// Older API versions return the array at the root under "accounts",
		// or as the whole body decoded into a wrapper we never see here.
		raw, _ = payload["accounts"].([]interface{})
	}

	accounts := make([]domain.Account, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		accounts = append(accounts, accountFromPayload(Payload(m)))
	}
	return accounts
}

func accountFromPayload(p Payload) domain.Account {
	id, _ := p.String("id")
	name, _ := p.String("company_business_name")
	accType, _ := p.String("account_type")
	paybill, _ := p.String("paybill_shortcode")
	till, _ := p.String("till_shortcode")

	return domain.Account{
		ID:               id,
		BusinessName:     name,
		AccountType:      domain.AccountType(strings.ToLower(accType)),
		PaybillShortcode: paybill,
		TillShortcode:    till,
	}
}
