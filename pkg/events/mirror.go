package events

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Mirror keeps the customer-facing external state of every ticket in redis
// so the API layer can serve status reads without touching the ticket table.
type Mirror struct {
	rds *redis.Client
}

func NewMirror(rds *redis.Client) *Mirror {
	return &Mirror{rds: rds}
}

func KeyTicketState(ticketID string) string {
	return "ticket:" + ticketID + ":state"
}

// Attach registers the mirror on a bus. Write failures are logged and
// swallowed, redis is a cache here, not the source of truth.
func (m *Mirror) Attach(bus *Bus) {
	if m.rds == nil {
		return
	}

	bus.OnStateChange(func(sc StateChange) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		err := m.rds.Set(ctx, KeyTicketState(sc.TicketID), sc.External, 0).Err()
		if err != nil {
			logger.Errorf("mirror ticket:%s state:%s failed with err:%s", sc.TicketID, sc.External, err)
		}
	})
}
