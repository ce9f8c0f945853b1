package ems

import (
	"errors"
	"fmt"
	"time"

	"oems/pkg/ticket"

	"github.com/shopspring/decimal"
)

// Venue is the capability surface an EMS engine needs from a trading venue.
// The engine itself is venue-agnostic, the concrete venue decides whether a
// ticket is acceptable, fetches quotes, and reports execution progress.
type Venue interface {
	Name() string
	DoAccept(t *ticket.Ticket) (ok bool, err error)
	Quote(t *ticket.Ticket) error
	CheckDone(t *ticket.Ticket) (done bool, err error)
}

// ExecClient is the venue-side API consumed by the built-in venues. Real
// implementations wrap a broker/bank connection, tests use a fake.
type ExecClient interface {
	RequestQuote(t *ticket.Ticket) (QuoteResp, error)
	Execute(t *ticket.Ticket) (ref string, err error)
	Status(t *ticket.Ticket) (status string, err error)
}

type QuoteResp struct {
	QuoteID   string
	Rate      decimal.Decimal
	SpotRate  decimal.Decimal
	FwdPoints decimal.Decimal
	Expiry    time.Time
}

// Venue-side order status values reported by ExecClient.Status.
const (
	VenueWorking = "working"
	VenueDone    = "done"
	VenueFailed  = "failed"
)

// Execution phases tracked on the ticket so a restart does not resubmit.
const (
	PhaseSubmitted = "submitted"
)

var ErrExecuteNotSupported = errors.New("venue does not support direct execution")

// GenericVenue handles both RFQ and direct execution through one client.
type GenericVenue struct {
	Class  string
	Client ExecClient
}

func (v *GenericVenue) Name() string {
	return v.Class
}

func (v *GenericVenue) DoAccept(t *ticket.Ticket) (ok bool, err error) {
	return true, nil
}

func (v *GenericVenue) Quote(t *ticket.Ticket) (err error) {
	resp, err := v.Client.RequestQuote(t)
	if err != nil {
		return
	}

	t.SetQuote(resp.QuoteID, resp.Rate, resp.SpotRate, resp.FwdPoints, resp.Expiry)
	return
}

func (v *GenericVenue) CheckDone(t *ticket.Ticket) (done bool, err error) {
	if t.Phase() != PhaseSubmitted {
		_, err = v.Client.Execute(t)
		if err != nil {
			return
		}
		t.SetPhase(PhaseSubmitted)
		return false, nil
	}

	status, err := v.Client.Status(t)
	if err != nil {
		return
	}

	switch status {
	case VenueDone:
		return true, nil
	case VenueFailed:
		return false, fmt.Errorf("venue reported failure for %s", t.TicketID())
	default:
		return false, nil
	}
}

// RFQVenue only quotes. A ticket asking for direct execution is a routing
// mistake and errors out instead of sitting in WORKING forever.
type RFQVenue struct {
	GenericVenue
}

func (v *RFQVenue) DoAccept(t *ticket.Ticket) (ok bool, err error) {
	if t.Action() != ticket.ActionRFQ {
		return false, ErrExecuteNotSupported
	}
	return true, nil
}

func (v *RFQVenue) CheckDone(t *ticket.Ticket) (done bool, err error) {
	return false, ErrExecuteNotSupported
}

// MultiVenue fans tickets out to named sub-venues by the ticket's routed
// venue field.
type MultiVenue struct {
	Class  string
	Venues map[string]Venue
}

func (v *MultiVenue) Name() string {
	return v.Class
}

func (v *MultiVenue) sub(t *ticket.Ticket) (Venue, error) {
	s, ok := v.Venues[t.Venue()]
	if !ok {
		return nil, fmt.Errorf("no sub-venue %q", t.Venue())
	}
	return s, nil
}

func (v *MultiVenue) DoAccept(t *ticket.Ticket) (ok bool, err error) {
	s, err := v.sub(t)
	if err != nil {
		return
	}
	return s.DoAccept(t)
}

func (v *MultiVenue) Quote(t *ticket.Ticket) (err error) {
	s, err := v.sub(t)
	if err != nil {
		return
	}
	return s.Quote(t)
}

func (v *MultiVenue) CheckDone(t *ticket.Ticket) (done bool, err error) {
	s, err := v.sub(t)
	if err != nil {
		return
	}
	return s.CheckDone(t)
}
