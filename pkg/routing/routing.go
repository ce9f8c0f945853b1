// Package routing validates ticket creation requests and picks the
// destination venue and RFQ strategy. Pure functions: every venue-specific
// branch lives here so the state machine stays venue-agnostic.
package routing

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RFQ types returned by Pick.
const (
	RFQAPI         = "api"         // machine-quotable
	RFQManual      = "manual"      // needs a human operator (PEND_RFQ sub-state)
	RFQIndicative  = "indicative"  // price is indicative only
	RFQUnsupported = "unsupported" // pair cannot be forward-traded
)

// Tenors.
const (
	TenorSpot = "spot"
	TenorFwd  = "fwd"
)

var (
	ErrBadPair      = errors.New("invalid currency pair")
	ErrBadAmount    = errors.New("amount must be positive")
	ErrBadLockSide  = errors.New("lock side must be buy or sell")
	ErrBadValueDate = errors.New("value date is not a settlement day")
	ErrNoVenue      = errors.New("no venue configured for pair")
)

// Calendar is the market-calendar oracle, read-only.
type Calendar interface {
	SpotDate(pair string, now time.Time) time.Time
	IsSettlementDay(ccy string, d time.Time) bool
	SessionOpen(venue string, now time.Time) bool
}

// Approver gates ticket acceptance for amounts over a company's threshold.
type Approver interface {
	Check(company int64, amount decimal.Decimal) (ok bool, approvers []string, err error)
}

// Profile is a company's configured execution profile.
type Profile struct {
	Company      int64
	DefaultVenue string
	// PairVenues overrides the venue per currency pair, e.g. "EURUSD" -> "mmaker2".
	PairVenues map[string]string
	// ManualPairs need a human quote regardless of venue.
	ManualPairs map[string]bool
	// ForwardPairs may be traded beyond spot. A pair absent here routes
	// forwards as unsupported, spot only.
	ForwardPairs map[string]bool
	// IndicativeOnly marks the whole profile indicative (no firm quotes).
	IndicativeOnly bool
	// ApprovalThreshold is zero when pre-trade approval is never required.
	ApprovalThreshold decimal.Decimal
}

// Route is the outcome of venue selection.
type Route struct {
	Venue         string
	RFQType       string
	NeedsApproval bool
}

// CreateReq is a structured ticket-creation request from the API layer.
type CreateReq struct {
	Company   int64
	Trader    int64
	BuyCcy    string
	SellCcy   string
	Amount    decimal.Decimal
	LockSide  string
	Tenor     string
	ValueDate time.Time
	Action    string // rfq or execute
	Strategy  string
}

// Pair returns the request's canonical currency pair, e.g. "EURUSD".
func (r CreateReq) Pair() string {
	return strings.ToUpper(r.BuyCcy + r.SellCcy)
}

// Validate checks a creation request against the calendar. No side effects.
func Validate(req CreateReq, cal Calendar) (err error) {
	if len(req.BuyCcy) != 3 || len(req.SellCcy) != 3 ||
		strings.EqualFold(req.BuyCcy, req.SellCcy) {
		return ErrBadPair
	}
	if !req.Amount.IsPositive() {
		return ErrBadAmount
	}
	if req.LockSide != "buy" && req.LockSide != "sell" {
		return ErrBadLockSide
	}
	if !req.ValueDate.IsZero() && cal != nil {
		if !cal.IsSettlementDay(strings.ToUpper(req.BuyCcy), req.ValueDate) ||
			!cal.IsSettlementDay(strings.ToUpper(req.SellCcy), req.ValueDate) {
			return ErrBadValueDate
		}
	}
	return
}

// Pick chooses the destination venue and RFQ strategy for a request.
// Deterministic for a given (profile, pair, tenor) tuple.
func Pick(p Profile, pair, tenor string, amount decimal.Decimal) (rt Route, err error) {
	pair = strings.ToUpper(pair)

	venue := p.DefaultVenue
	if v, ok := p.PairVenues[pair]; ok {
		venue = v
	}
	if venue == "" {
		err = ErrNoVenue
		return
	}

	rfqType := RFQAPI
	switch {
	case tenor == TenorFwd && !p.ForwardPairs[pair]:
		rfqType = RFQUnsupported
	case p.ManualPairs[pair]:
		rfqType = RFQManual
	case p.IndicativeOnly:
		rfqType = RFQIndicative
	}

	needsApproval := !p.ApprovalThreshold.IsZero() &&
		amount.GreaterThan(p.ApprovalThreshold)

	rt = Route{
		Venue:         venue,
		RFQType:       rfqType,
		NeedsApproval: needsApproval,
	}
	return
}
