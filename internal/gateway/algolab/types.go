package algolab

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"galata/internal/pkg/brokererr"
)

// AlgoLab endpoints. Paths are part of the checker hash input, so they must
// match the wire exactly.
const (
	epLoginUser         = "/api/LoginUser"
	epLoginUserControl  = "/api/LoginUserControl"
	epSessionRefresh    = "/api/SessionRefresh"
	epGetSubAccounts    = "/api/GetSubAccounts"
	epSendOrder         = "/api/SendOrder"
	epModifyOrder       = "/api/ModifyOrder"
	epDeleteOrder       = "/api/DeleteOrder"
	epInstantPosition   = "/api/InstantPosition"
	epTodaysTransaction = "/api/TodaysTransaction"
)

// Request payloads. Field order matters only for readability; the checker is
// computed over the marshalled bytes that are actually sent.

type loginUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginControlRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type sendOrderRequest struct {
	Symbol     string `json:"symbol"`
	Direction  string `json:"direction"` // "BUY" | "SELL"
	PriceType  string `json:"pricetype"` // "limit" | "piyasa"
	Price      string `json:"price"`     // empty for market orders
	Lot        string `json:"lot"`
	SMS        bool   `json:"sms"`
	Email      bool   `json:"email"`
	SubAccount string `json:"subAccount"`
	ClientRef  string `json:"clientref,omitempty"`
}

type modifyOrderRequest struct {
	ID         string `json:"id"`
	Price      string `json:"price"`
	Lot        string `json:"lot"`
	Viop       bool   `json:"viop"`
	SubAccount string `json:"Subaccount"`
}

type deleteOrderRequest struct {
	ID         string `json:"id"`
	SubAccount string `json:"Subaccount"`
}

type subAccountRequest struct {
	SubAccount string `json:"Subaccount"`
}

// parseEnvelope validates the {isSuccess, message, content} wrapper every
// AlgoLab response carries and returns the content node. A business-level
// refusal comes back as *brokererr.BrokerError; a body that does not match
// the envelope shape is treated as malformed and rejected.
func parseEnvelope(endpoint string, raw []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("broker %s: response is not valid JSON", endpoint)
	}
	doc := gjson.ParseBytes(raw)
	ok := doc.Get("isSuccess")
	if !ok.Exists() {
		ok = doc.Get("success")
	}
	if !ok.Exists() {
		return gjson.Result{}, fmt.Errorf("broker %s: response missing success flag", endpoint)
	}
	if !ok.Bool() {
		msg := strings.TrimSpace(doc.Get("message").String())
		if msg == "" {
			msg = "request refused"
		}
		return gjson.Result{}, &brokererr.BrokerError{
			Endpoint: endpoint,
			Code:     normalizeRejection(msg),
			Message:  msg,
		}
	}
	return doc.Get("content"), nil
}

// normalizeRejection folds the broker's free-text refusals (Turkish or
// English) onto the shared code vocabulary.
func normalizeRejection(message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "gerçekleş") || strings.Contains(m, "filled"):
		return brokererr.CodeAlreadyFilled
	case strings.Contains(m, "bulunamad") || strings.Contains(m, "not found"):
		return brokererr.CodeNotFound
	case strings.Contains(m, "oturum") || strings.Contains(m, "session") ||
		strings.Contains(m, "yetki") || strings.Contains(m, "unauthorized") ||
		strings.Contains(m, "token"):
		return brokererr.CodeAuthExpired
	default:
		return brokererr.CodeRejected
	}
}

// Transaction is one row of the TodaysTransaction report: the broker's
// order-level view, not per-execution. Quantities are cumulative.
type Transaction struct {
	BrokerID     string // transactionId, falling back to atpref
	Symbol       string
	Side         string // BUY | SELL
	OrderSize    decimal.Decimal
	RemainingQty decimal.Decimal
	FilledQty    decimal.Decimal // OrderSize − RemainingQty
	WaitingPrice decimal.Decimal // limit price, ~0 for market orders
	Price        decimal.Decimal // average executed price
	Status       string          // WAITING | DONE | DELETED | ...
	Description  string          // broker's Turkish status text
	Raw          []byte
}

// Deleted reports whether the broker cancelled or purged the order.
func (t Transaction) Deleted() bool {
	return t.Status == statusDeleted
}

// Working reports whether the broker still considers the order live.
func (t Transaction) Working() bool {
	switch t.Status {
	case statusWaiting:
		return true
	case statusDone, statusDeleted:
		return false
	}
	// Fall back to the Turkish description the way the upstream tooling does.
	d := t.Description
	return strings.Contains(d, "İletildi") || strings.Contains(d, "Bekle") ||
		strings.Contains(d, "Kısmi")
}

const (
	statusWaiting = "WAITING"
	statusDone    = "DONE"
	statusDeleted = "DELETED"
)

func parseTransaction(row gjson.Result) Transaction {
	id := strings.TrimSpace(row.Get("transactionId").String())
	if id == "" {
		id = strings.TrimSpace(row.Get("atpref").String())
	}
	t := Transaction{
		BrokerID:     id,
		Symbol:       strings.ToUpper(strings.TrimSpace(row.Get("ticker").String())),
		Side:         sideFromBuySell(row.Get("buysell").String()),
		OrderSize:    decFrom(row.Get("ordersize")),
		RemainingQty: decFrom(row.Get("remainingsize")),
		WaitingPrice: decFrom(row.Get("waitingprice")),
		Price:        decFrom(row.Get("price")),
		Status:       strings.ToUpper(strings.TrimSpace(row.Get("equityStatusDescription").String())),
		Description:  strings.TrimSpace(row.Get("description").String()),
		Raw:          []byte(row.Raw),
	}
	t.FilledQty = t.OrderSize.Sub(t.RemainingQty)
	if t.FilledQty.Sign() < 0 {
		t.FilledQty = decimal.Zero
	}
	// DONE rows occasionally omit remainingsize; the order executed in full.
	if t.Status == statusDone && t.FilledQty.IsZero() {
		t.FilledQty = t.OrderSize
		t.RemainingQty = decimal.Zero
	}
	return t
}

// sideFromBuySell maps the report's Turkish direction to the order
// vocabulary.
func sideFromBuySell(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case strings.EqualFold(v, "Alış") || strings.EqualFold(v, "Alis") || strings.EqualFold(v, "BUY"):
		return "BUY"
	case strings.EqualFold(v, "Satış") || strings.EqualFold(v, "Satis") || strings.EqualFold(v, "SELL"):
		return "SELL"
	default:
		return strings.ToUpper(v)
	}
}

// PositionReport is one row of the InstantPosition portfolio report.
type PositionReport struct {
	Symbol    string
	Quantity  decimal.Decimal
	Cost      decimal.Decimal // maliyet: average cost
	UnitPrice decimal.Decimal // current price, used as mark
	Profit    decimal.Decimal
	Raw       []byte
}

func parsePositionReport(row gjson.Result) PositionReport {
	return PositionReport{
		Symbol:    strings.ToUpper(strings.TrimSpace(row.Get("code").String())),
		Quantity:  decFrom(row.Get("totalstock")),
		Cost:      decFrom(row.Get("maliyet")),
		UnitPrice: decFrom(row.Get("unitprice")),
		Profit:    decFrom(row.Get("profit")),
		Raw:       []byte(row.Raw),
	}
}

// decFrom parses a numeric field that the broker serves sometimes as a JSON
// number and sometimes as a string. Unparseable values become zero; report
// consumers treat zero as "absent".
func decFrom(v gjson.Result) decimal.Decimal {
	s := strings.TrimSpace(v.String())
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// PlaceOutcome is the successful result of SendOrder.
type PlaceOutcome struct {
	BrokerID string
	Raw      []byte
}

// SessionExpiry is how long AlgoLab sessions nominally live; the session
// manager owns the authoritative TTL, this is only the fallback used when
// none is configured.
const SessionExpiry = 24 * time.Hour
