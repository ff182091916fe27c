package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/domain"
)

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It handles quotes, order placement, cancellation, and
// queries. Order signing happens upstream of this process; the client
// authenticates with pre-derived API credentials.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	creds      *APICreds
}

var _ domain.OrderGateway = (*ClobClient)(nil)

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
// creds may be nil for read-only use (quotes, public endpoints).
func NewClobClient(baseURL string, creds *APICreds) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		creds: creds,
	}
}

// GetBook fetches the orderbook for a token and reduces it to a quote.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (domain.Quote, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	body, err := c.doRequest(ctx, http.MethodGet, "/book?"+params.Encode(), nil)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}

	var book APIBook
	if err := json.Unmarshal(body, &book); err != nil {
		return domain.Quote{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}

	q := book.ToDomainQuote()
	q.TokenID = tokenID
	return q, nil
}

// PlaceOrder submits a limit order to the CLOB API. The idempotency key is
// forwarded as the client order ID so a retried submission does not create a
// second exchange order.
func (c *ClobClient) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.GatewayOrder, error) {
	side := "BUY"
	if req.Side == domain.OrderSideSell {
		side = "SELL"
	}

	body := map[string]any{
		"order": map[string]any{
			"tokenID":  req.TokenID,
			"price":    fmt.Sprintf("%.3f", req.Price),
			"size":     fmt.Sprintf("%.2f", req.Quantity),
			"side":     side,
			"clientID": req.IdempotencyKey,
		},
		"orderType": "GTC",
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.GatewayOrder{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return domain.GatewayOrder{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	if !result.Success {
		return domain.GatewayOrder{Status: domain.OrderStatusFailed},
			fmt.Errorf("polymarket/clob: order rejected: %s", result.ErrorMsg)
	}

	g := domain.GatewayOrder{ExchangeID: result.OrderID}
	switch result.Status {
	case "matched":
		g.Status = domain.OrderStatusFilled
		g.FilledQty = req.Quantity
		g.FilledPrice = req.Price
	default:
		g.Status = domain.OrderStatusSubmitted
	}
	return g, nil
}

// CancelOrder cancels a single order by its exchange ID. Cancelling an order
// that already reached a terminal state is not an error at the exchange.
func (c *ClobClient) CancelOrder(ctx context.Context, exchangeID string) error {
	body := map[string]any{
		"orderID": exchangeID,
	}

	respBody, err := c.doRequest(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", exchangeID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", result.ErrorMsg)
	}

	return nil
}

// GetOrderStatus retrieves the exchange's current view of an order.
func (c *ClobClient) GetOrderStatus(ctx context.Context, exchangeID string) (domain.GatewayOrder, error) {
	path := fmt.Sprintf("/data/order/%s", url.PathEscape(exchangeID))

	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.GatewayOrder{}, fmt.Errorf("polymarket/clob: get order %s: %w", exchangeID, err)
	}

	var apiOrder APIOrder
	if err := json.Unmarshal(respBody, &apiOrder); err != nil {
		return domain.GatewayOrder{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}

	return apiOrder.ToGatewayOrder(), nil
}

// ListOpenOrders returns all open orders for the authenticated account. Used
// during startup reconciliation.
func (c *ClobClient) ListOpenOrders(ctx context.Context) ([]domain.GatewayOrder, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/data/orders", nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: get open orders: %w", err)
	}

	var apiOrders []APIOrder
	if err := json.Unmarshal(respBody, &apiOrders); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode orders: %w", err)
	}

	orders := make([]domain.GatewayOrder, 0, len(apiOrders))
	for i := range apiOrders {
		orders = append(orders, apiOrders[i].ToGatewayOrder())
	}

	return orders, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doRequest builds, signs, sends, and reads an HTTP request against the CLOB
// API. It returns the raw response body.
func (c *ClobClient) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.creds != nil {
		for k, v := range c.creds.Headers(method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
