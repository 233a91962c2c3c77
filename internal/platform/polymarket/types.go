package polymarket

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// flexString decodes JSON values that arrive as either a string or a bare
// number. The Data API is not consistent about this across endpoints.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return string(f) }

// APITrade is one item from GET /trades on the Data API. Alternate field
// names for the same datum are merged by the accessor methods.
type APITrade struct {
	ID              flexString `json:"id"`
	Timestamp       int64      `json:"timestamp"`
	MatchTime       int64      `json:"match_time"`
	Side            string     `json:"side"`
	Price           flexString `json:"price"`
	Size            flexString `json:"size"`
	UsdcSize        flexString `json:"usdcSize"`
	Asset           flexString `json:"asset"`
	AssetID         flexString `json:"asset_id"`
	AssetIDAlt      flexString `json:"assetId"`
	Market          flexString `json:"market"`
	MarketID        flexString `json:"marketId"`
	ConditionID     flexString `json:"conditionId"`
	TransactionHash flexString `json:"transactionHash"`
	ProxyWallet     flexString `json:"proxyWallet"`
	Owner           flexString `json:"owner"`
}

// EventTime returns the venue timestamp, preferring match_time.
func (t *APITrade) EventTime() time.Time {
	ts := t.MatchTime
	if ts == 0 {
		ts = t.Timestamp
	}
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

// TokenID returns the outcome token id under whichever key it arrived.
func (t *APITrade) TokenID() string {
	for _, v := range []flexString{t.Asset, t.AssetID, t.AssetIDAlt} {
		if v != "" {
			return v.String()
		}
	}
	return ""
}

// MarketRef returns the market identifier under whichever key it arrived.
func (t *APITrade) MarketRef() string {
	if t.Market != "" {
		return t.Market.String()
	}
	return t.MarketID.String()
}

// Wallet returns the on-chain wallet that made the trade.
func (t *APITrade) Wallet() string {
	if t.ProxyWallet != "" {
		return strings.ToLower(t.ProxyWallet.String())
	}
	return strings.ToLower(t.Owner.String())
}

// APIActivity is one item from GET /activity on the Data API.
type APIActivity struct {
	Type            string     `json:"type"` // "MERGE", "SPLIT", "REDEEM", "TRADE", ...
	Timestamp       int64      `json:"timestamp"`
	Asset           flexString `json:"asset"`
	Size            flexString `json:"size"`
	UsdcSize        flexString `json:"usdcSize"`
	ConditionID     flexString `json:"conditionId"`
	TransactionHash flexString `json:"transactionHash"`
	ProxyWallet     flexString `json:"proxyWallet"`
}

// EventTime returns the venue timestamp.
func (a *APIActivity) EventTime() time.Time {
	if a.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(a.Timestamp, 0).UTC()
}

// GammaMarket is the Gamma API market shape, limited to the fields the
// enricher consumes.
type GammaMarket struct {
	ID           string     `json:"id"`
	ConditionID  string     `json:"conditionId"`
	Slug         string     `json:"slug"`
	Question     string     `json:"question"`
	EndDate      string     `json:"endDate"` // RFC3339
	Closed       bool       `json:"closed"`
	ClobTokenIDs flexString `json:"clobTokenIds"` // JSON-encoded string array
	Outcomes     flexString `json:"outcomes"`     // JSON-encoded string array
}

// CloseTime parses the market end date, nil when absent or malformed.
func (m *GammaMarket) CloseTime() *time.Time {
	if m.EndDate == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, m.EndDate)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// TokenIDs decodes the clobTokenIds field, which Gamma serves as a string
// containing a JSON array.
func (m *GammaMarket) TokenIDs() []string {
	return decodeStringArray(m.ClobTokenIDs.String())
}

// OutcomeLabels decodes the outcomes field, parallel to TokenIDs.
func (m *GammaMarket) OutcomeLabels() []string {
	return decodeStringArray(m.Outcomes.String())
}

func decodeStringArray(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// ClobBook is the CLOB REST /book response.
type ClobBook struct {
	AssetID   string          `json:"asset_id"`
	Timestamp flexString      `json:"timestamp"` // epoch millis
	Bids      []ClobBookLevel `json:"bids"`
	Asks      []ClobBookLevel `json:"asks"`
}

// ClobBookLevel is one price level, decimal strings.
type ClobBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSCommand is the subscribe/unsubscribe message for the CLOB market feed.
type WSCommand struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"` // "market"
}

// WSEnvelope sniffs the event type of an incoming market-feed message.
type WSEnvelope struct {
	EventType string `json:"event_type"` // "book", "price_change", "last_trade_price"
}

// WSBookMessage is a full book snapshot from the market channel.
type WSBookMessage struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Timestamp flexString      `json:"timestamp"`
	Bids      []ClobBookLevel `json:"bids"`
	Asks      []ClobBookLevel `json:"asks"`
}

// WSPriceChangeMessage is an incremental level update.
type WSPriceChangeMessage struct {
	EventType string              `json:"event_type"`
	AssetID   string              `json:"asset_id"`
	Timestamp flexString          `json:"timestamp"`
	Changes   []WSPriceChangeItem `json:"changes"`
}

// WSPriceChangeItem is one changed level; size 0 removes the level.
type WSPriceChangeItem struct {
	Price string `json:"price"`
	Side  string `json:"side"` // "BUY" = bid, "SELL" = ask
	Size  string `json:"size"`
}

// ParseMicros converts a non-negative decimal string ("0.51", "12.5") into
// 6-decimal fixed-point micros.
func ParseMicros(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("polymarket: empty decimal")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("polymarket: parse decimal %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("polymarket: negative amount %q", s)
	}
	shifted := d.Shift(6)
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("polymarket: amount %q overflows micros", s)
	}
	return shifted.IntPart(), nil
}
