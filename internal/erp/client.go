// Package erp is the typed client for the upstream ERP system. Responses
// are normalized into canonical structs at this boundary; callers never see
// raw wire shapes.
package erp

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
)

// Client talks to the ERP HTTP API with a cached bearer token.
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

// NewClient constructs an ERP client.
func NewClient(baseURL, clientID, clientSecret string) *Client {
	return &Client{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Receivable is the canonical ERP receivable record.
type Receivable struct {
	ID          string
	ClientID    string
	Description string
	Value       float64
	DueDate     time.Time
	Paid        bool
	PaidDate    *time.Time
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		token := c.token
		c.mu.RUnlock()
		return token, nil
	}
	c.mu.RUnlock()

	// Concurrent callers share one refresh.
	v, err, _ := c.tokenGroup.Do("token", func() (any, error) {
		body, _ := json.Marshal(map[string]string{
			"client_id":     c.clientID,
			"client_secret": c.clientSecret,
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("erp: token request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("erp: token request: status %d", resp.StatusCode)
		}
		var result struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return "", fmt.Errorf("erp: decode token: %w", err)
		}
		c.mu.Lock()
		c.token = result.AccessToken
		// Refresh a minute early so in-flight calls never carry a stale token.
		c.tokenExpiry = time.Now().Add(time.Duration(result.ExpiresIn-60) * time.Second)
		c.mu.Unlock()
		return result.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) (int, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return 0, err
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("erp: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("erp: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if resp.StatusCode == http.StatusNotFound {
			return resp.StatusCode, nil
		}
		return resp.StatusCode, fmt.Errorf("erp: %s %s: status %d", method, path, resp.StatusCode)
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return resp.StatusCode, fmt.Errorf("erp: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// rawReceivable carries the fallback field names the ERP emits across API
// versions.
type rawReceivable struct {
	ID          string   `json:"id"`
	Codigo      string   `json:"codigo"`
	ClientID    string   `json:"client_id"`
	Cliente     string   `json:"cliente"`
	Description string   `json:"description"`
	Descricao   string   `json:"descricao"`
	Value       *float64 `json:"value"`
	Valor       *float64 `json:"valor"`
	DueDate     string   `json:"due_date"`
	Vencimento  string   `json:"vencimento"`
	Paid        bool     `json:"paid"`
	Pago        bool     `json:"pago"`
	PaidDate    string   `json:"paid_date"`
	DataPgto    string   `json:"data_pagamento"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
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

func (raw rawReceivable) normalize() Receivable {
	rec := Receivable{
		ID:          firstNonEmpty(raw.ID, raw.Codigo),
		ClientID:    firstNonEmpty(raw.ClientID, raw.Cliente),
		Description: firstNonEmpty(raw.Description, raw.Descricao),
		Paid:        raw.Paid || raw.Pago,
	}
	if raw.Value != nil {
		rec.Value = *raw.Value
	} else if raw.Valor != nil {
		rec.Value = *raw.Valor
	}
	if due := parseDate(firstNonEmpty(raw.DueDate, raw.Vencimento)); due != nil {
		rec.DueDate = *due
	}
	rec.PaidDate = parseDate(firstNonEmpty(raw.PaidDate, raw.DataPgto))
	return rec
}

// GetOverdueReceivables lists ERP receivables due within the window.
func (c *Client) GetOverdueReceivables(ctx context.Context, dateFrom, dateTo time.Time) ([]Receivable, error) {
	path := fmt.Sprintf("/receivables/overdue?from=%s&to=%s",
		url.QueryEscape(dateFrom.Format("2006-01-02")),
		url.QueryEscape(dateTo.Format("2006-01-02")))
	var raw []rawReceivable
	if _, err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Receivable, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.normalize())
	}
	return out, nil
}

// SettleReceivable marks the ERP receivable paid.
func (c *Client) SettleReceivable(ctx context.Context, id string, paidAt time.Time, paidValue float64) (bool, error) {
	body := map[string]any{
		"paid_at":    paidAt.Format("2006-01-02"),
		"paid_value": paidValue,
	}
	var result struct {
		Success bool `json:"success"`
	}
	status, err := c.do(ctx, http.MethodPost, "/receivables/"+url.PathEscape(id)+"/settle", body, &result)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	return result.Success, nil
}

// GetInvoicePdf fetches the rendered invoice document, or nil when the ERP
// has none for the receivable.
func (c *Client) GetInvoicePdf(ctx context.Context, id string) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/receivables/"+url.PathEscape(id)+"/invoice.pdf", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("erp: invoice pdf: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("erp: invoice pdf: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
