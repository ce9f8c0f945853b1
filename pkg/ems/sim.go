package ems

import (
	"math/rand"
	"sync"
	"time"

	"oems/pkg/ticket"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimClient is a simulated venue API for dev environments and benchmarks.
// Quotes jitter around a fixed mid rate and an executed order reports done
// after FillPolls status checks.
type SimClient struct {
	Mid        decimal.Decimal
	QuoteTTL   time.Duration
	FillPolls  int
	FailEveryN int // every Nth execution fails, 0 disables

	mu    sync.Mutex
	polls map[string]int
	execs int
}

func NewSimClient() *SimClient {
	return &SimClient{
		Mid:       decimal.NewFromFloat(1.0850),
		QuoteTTL:  30 * time.Second,
		FillPolls: 2,
		polls:     map[string]int{},
	}
}

func (c *SimClient) RequestQuote(t *ticket.Ticket) (QuoteResp, error) {
	// jitter of up to 10 pips either side of mid
	pips := decimal.NewFromInt(rand.Int63n(21) - 10).Shift(-4)
	rate := c.Mid.Add(pips)

	return QuoteResp{
		QuoteID:   uuid.NewString(),
		Rate:      rate,
		SpotRate:  rate,
		FwdPoints: decimal.Zero,
		Expiry:    time.Now().Add(c.QuoteTTL),
	}, nil
}

func (c *SimClient) Execute(t *ticket.Ticket) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.execs++
	if c.FailEveryN > 0 && c.execs%c.FailEveryN == 0 {
		c.polls[t.TicketID()] = -1
		return "", nil
	}

	c.polls[t.TicketID()] = 0
	return uuid.NewString(), nil
}

func (c *SimClient) Status(t *ticket.Ticket) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.polls[t.TicketID()]
	if !ok {
		return VenueWorking, nil
	}
	if n < 0 {
		return VenueFailed, nil
	}

	n++
	c.polls[t.TicketID()] = n
	if n >= c.FillPolls {
		delete(c.polls, t.TicketID())
		return VenueDone, nil
	}
	return VenueWorking, nil
}
