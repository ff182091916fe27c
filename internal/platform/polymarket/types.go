package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/SimpleJTS/PolyTail/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
type APIMarket struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	ConditionID   string   `json:"conditionId"`
	Slug          string   `json:"slug"`
	Active        flexBool `json:"active"` // API may send bool or "true"/"false" string
	Closed        bool     `json:"closed"`
	Outcomes      string   `json:"outcomes"`      // JSON-encoded: e.g. "[\"Yes\",\"No\"]"
	OutcomePrices string   `json:"outcomePrices"` // JSON-encoded: e.g. "[\"0.95\",\"0.05\"]"
	ClobTokenIDs  string   `json:"clobTokenIds"`  // JSON-encoded: e.g. "[\"123\",\"456\"]"
	Tokens        []Token  `json:"tokens"`
	Volume        string   `json:"volume"`
	Liquidity     string   `json:"liquidity"`
	EndDateISO    string   `json:"endDate"`
	ResolvedBy    string   `json:"resolvedBy"`
	UMAResolved   flexBool `json:"umaResolutionStatus,omitempty"`
}

// Token represents a token entry inside the Gamma API market response.
type Token struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Winner  bool   `json:"winner"`
}

// ToDomainMarket converts a Gamma APIMarket to a domain.Market. The three
// parallel JSON-encoded arrays (outcomes, prices, token IDs) are zipped into
// the fixed two-outcome shape; markets with more or fewer outcomes keep only
// the first two entries.
func (m *APIMarket) ToDomainMarket() domain.Market {
	dm := domain.Market{
		ConditionID: m.ConditionID,
		Question:    m.Question,
		Slug:        m.Slug,
		Active:      bool(m.Active),
		Closed:      m.Closed,
	}
	if dm.ConditionID == "" {
		dm.ConditionID = m.ID
	}

	var names, prices, tokenIDs []string
	_ = json.Unmarshal([]byte(m.Outcomes), &names)
	_ = json.Unmarshal([]byte(m.OutcomePrices), &prices)
	_ = json.Unmarshal([]byte(m.ClobTokenIDs), &tokenIDs)

	for i := 0; i < 2; i++ {
		if i < len(names) {
			dm.Outcomes[i].Name = names[i]
		}
		if i < len(prices) {
			dm.Outcomes[i].Price, _ = strconv.ParseFloat(prices[i], 64)
		}
		if i < len(tokenIDs) {
			dm.Outcomes[i].TokenID = tokenIDs[i]
		}
	}

	// CLOB-style responses carry tokens with explicit winner flags instead
	// of the parallel arrays.
	for i, tok := range m.Tokens {
		if i >= 2 {
			break
		}
		if tok.TokenID != "" {
			dm.Outcomes[i].TokenID = tok.TokenID
		}
		if tok.Outcome != "" {
			dm.Outcomes[i].Name = tok.Outcome
		}
		dm.Outcomes[i].Winner = tok.Winner
		if tok.Winner {
			dm.Resolved = true
		}
	}
	if m.Closed {
		dm.Resolved = true
	}

	if v, err := strconv.ParseFloat(m.Volume, 64); err == nil {
		dm.Volume = v
	}
	if l, err := strconv.ParseFloat(m.Liquidity, 64); err == nil {
		dm.Liquidity = l
	}
	if m.EndDateISO != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
			dm.EndDate = t
		}
	}

	return dm
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIBook is an orderbook snapshot as returned by the CLOB /book endpoint.
type APIBook struct {
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Bids      []APIPriceLevel `json:"bids"`
	Asks      []APIPriceLevel `json:"asks"`
	Timestamp string          `json:"timestamp"`
	Hash      string          `json:"hash"`
}

// APIPriceLevel is a single bid/ask level in CLOB orderbook data.
type APIPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// ToDomainQuote reduces the book to best bid/ask. The CLOB returns levels
// sorted away from the touch, so scan the whole slice rather than trusting
// position.
func (b *APIBook) ToDomainQuote() domain.Quote {
	q := domain.Quote{TokenID: b.AssetID}

	for _, lvl := range b.Bids {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		if p > q.BestBid {
			q.BestBid = p
		}
	}
	for _, lvl := range b.Asks {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		if p > 0 && (q.BestAsk == 0 || p < q.BestAsk) {
			q.BestAsk = p
		}
	}

	if ms, err := strconv.ParseInt(b.Timestamp, 10, 64); err == nil {
		q.FetchedAt = time.UnixMilli(ms)
	} else {
		q.FetchedAt = time.Now()
	}
	return q
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"`
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}

// APIOrder represents an order as returned by the CLOB API.
type APIOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	MarketID     string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"` // "BUY" or "SELL"
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	CreatedAt    string `json:"created_at"`
}

// ToGatewayOrder converts an APIOrder to the gateway's order view.
func (a *APIOrder) ToGatewayOrder() domain.GatewayOrder {
	g := domain.GatewayOrder{ExchangeID: a.ID}

	original, _ := strconv.ParseFloat(a.OriginalSize, 64)
	matched, _ := strconv.ParseFloat(a.SizeMatched, 64)
	g.FilledQty = matched
	g.FilledPrice, _ = strconv.ParseFloat(a.Price, 64)

	switch a.Status {
	case "matched", "filled":
		g.Status = domain.OrderStatusFilled
	case "cancelled", "canceled":
		g.Status = domain.OrderStatusCanceled
	case "live", "open", "delayed":
		if matched > 0 && matched < original {
			g.Status = domain.OrderStatusPartiallyFilled
		} else if matched >= original && original > 0 {
			g.Status = domain.OrderStatusFilled
		} else {
			g.Status = domain.OrderStatusSubmitted
		}
	default:
		g.Status = domain.OrderStatusFailed
	}

	return g
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSCommand is the JSON payload sent to the market channel to
// subscribe/unsubscribe for asset IDs.
type WSCommand struct {
	Type   string   `json:"type"` // "subscribe" or "unsubscribe"
	Assets []string `json:"assets_ids,omitempty"`
}

// WSBookMessage is a full orderbook snapshot delivered over the market
// channel.
type WSBookMessage struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Bids      []APIPriceLevel `json:"bids"`
	Asks      []APIPriceLevel `json:"asks"`
	Timestamp string          `json:"timestamp"`
}

// ToDomainQuote reduces the WS book snapshot to best bid/ask.
func (b *WSBookMessage) ToDomainQuote() domain.Quote {
	book := APIBook{
		AssetID:   b.AssetID,
		Bids:      b.Bids,
		Asks:      b.Asks,
		Timestamp: b.Timestamp,
	}
	return book.ToDomainQuote()
}
