// Package banking is the typed client for the bank charge (boleto) API.
// Raw payloads carry different field names across API versions; this
// package normalizes them into billing.ExternalCharge before anything else
// sees them.
package banking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/recobra/recobra/internal/billing"
)

// Client talks to the banking HTTP API with a cached bearer token.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time
	tokenGroup  singleflight.Group
}

// NewClient constructs a banking client.
func NewClient(baseURL, clientID, clientSecret string) *Client {
	return &Client{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		token := c.token
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.tokenGroup.Do("token", func() (any, error) {
		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", c.clientID)
		form.Set("client_secret", c.clientSecret)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", bytes.NewBufferString(form.Encode()))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("banking: token request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("banking: token request: status %d", resp.StatusCode)
		}
		var result struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return "", fmt.Errorf("banking: decode token: %w", err)
		}
		c.mu.Lock()
		c.token = result.AccessToken
		c.tokenExpiry = time.Now().Add(time.Duration(result.ExpiresIn-60) * time.Second)
		c.mu.Unlock()
		return result.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) get(ctx context.Context, path string, result any) (int, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("banking: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("banking: GET %s: status %d", path, resp.StatusCode)
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return resp.StatusCode, fmt.Errorf("banking: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// rawCharge carries the fallback field names across banking API versions.
type rawCharge struct {
	ID            string `json:"id"`
	ChargeID      string `json:"charge_id"`
	TotalCents    *int64 `json:"total_cents"`
	ValorCentavos *int64 `json:"valor_centavos"`
	Status        string `json:"status"`
	Situacao      string `json:"situacao"`
	CorrelationID string `json:"correlation_id"`
	Referencia    string `json:"referencia"`
	DueDate       string `json:"due_date"`
	Vencimento    string `json:"data_vencimento"`
	SlipURL       string `json:"slip_url"`
	LinkBoleto    string `json:"link_boleto"`
	Barcode       string `json:"barcode"`
	LinhaDigitavel string `json:"linha_digitavel"`
	Customer      *rawCustomer    `json:"customer"`
	Pagador       *rawCustomer    `json:"pagador"`
	Items         []rawChargeItem `json:"items"`
	Itens         []rawChargeItem `json:"itens"`
}

type rawCustomer struct {
	Name      string `json:"name"`
	Nome      string `json:"nome"`
	Document  string `json:"document"`
	Documento string `json:"documento"`
	Email     string `json:"email"`
}

type rawChargeItem struct {
	Name       string `json:"name"`
	Descricao  string `json:"descricao"`
	ValueCents *int64 `json:"value_cents"`
	Centavos   *int64 `json:"valor_centavos"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(values ...*int64) int64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func (raw rawCharge) normalize() billing.ExternalCharge {
	charge := billing.ExternalCharge{
		ID:            firstNonEmpty(raw.ID, raw.ChargeID),
		TotalCents:    firstInt(raw.TotalCents, raw.ValorCentavos),
		Status:        firstNonEmpty(raw.Status, raw.Situacao),
		CorrelationID: firstNonEmpty(raw.CorrelationID, raw.Referencia),
		SlipURL:       firstNonEmpty(raw.SlipURL, raw.LinkBoleto),
		SlipBarcode:   firstNonEmpty(raw.Barcode, raw.LinhaDigitavel),
		DueDate:       parseDate(firstNonEmpty(raw.DueDate, raw.Vencimento)),
	}
	customer := raw.Customer
	if customer == nil {
		customer = raw.Pagador
	}
	if customer != nil {
		charge.CustomerName = firstNonEmpty(customer.Name, customer.Nome)
		charge.CustomerDocument = firstNonEmpty(customer.Document, customer.Documento)
		charge.CustomerEmail = customer.Email
	}
	items := raw.Items
	if len(items) == 0 {
		items = raw.Itens
	}
	for _, item := range items {
		charge.Items = append(charge.Items, billing.ChargeItem{
			Name:       firstNonEmpty(item.Name, item.Descricao),
			ValueCents: firstInt(item.ValueCents, item.Centavos),
		})
	}
	return charge
}

// GetChargesByDocument lists charges issued for a customer document inside
// the lookback window.
func (c *Client) GetChargesByDocument(ctx context.Context, document string, dateFrom, dateTo time.Time) ([]billing.ExternalCharge, error) {
	path := fmt.Sprintf("/charges?document=%s&from=%s&to=%s",
		url.QueryEscape(billing.OnlyDigits(document)),
		url.QueryEscape(dateFrom.Format("2006-01-02")),
		url.QueryEscape(dateTo.Format("2006-01-02")))
	var raw []rawCharge
	if _, err := c.get(ctx, path, &raw); err != nil {
		return nil, err
	}
	out := make([]billing.ExternalCharge, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.normalize())
	}
	return out, nil
}

// GetChargeByID fetches a single charge, or nil when the bank has none.
func (c *Client) GetChargeByID(ctx context.Context, id string) (*billing.ExternalCharge, error) {
	var raw rawCharge
	status, err := c.get(ctx, "/charges/"+url.PathEscape(id), &raw)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	charge := raw.normalize()
	return &charge, nil
}

// SettleCharge marks the bank charge as received outside the bank flow.
func (c *Client) SettleCharge(ctx context.Context, id string) (bool, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charges/"+url.PathEscape(id)+"/settle", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("banking: settle charge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("banking: settle charge: status %d", resp.StatusCode)
	}
	var result struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("banking: decode settle response: %w", err)
	}
	return result.Success, nil
}

// GetBoletoPdf fetches the payment slip document, or nil when the bank has
// none for the charge.
func (c *Client) GetBoletoPdf(ctx context.Context, id string) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/charges/"+url.PathEscape(id)+"/boleto.pdf", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("banking: boleto pdf: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("banking: boleto pdf: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
