// Package events carries ticket lifecycle notifications out of the engine.
//
// The Bus replaces the original signal mechanism with explicit callback
// registration built at startup. Webhook delivery, chat/email notification
// and the external-state mirror are consumed interfaces: their failures are
// logged and swallowed, they never block the state machine.
package events

import (
	"sync"
	"time"

	"oems/pkg/xlog"
)

var logger = xlog.GetLogger()

// Webhook event types, fixed enumeration.
const (
	EvTicketCreated  = "ticket.created"
	EvTicketUpdated  = "ticket.updated"
	EvTicketCanceled = "ticket.canceled"
	EvTradeConfirm   = "trade.confirm"
	EvTradeMTM       = "trade.mtm"
	EvTradeFixing    = "trade.fixing"
	EvTradeSettle    = "trade.settlement"
)

// Dispatcher delivers webhook events to a company's configured endpoints.
type Dispatcher interface {
	DispatchEvent(company int64, eventType string, payload map[string]interface{}) error
}

// Notifier is the email/chat channel for trade confirmations, MTM reports
// and manual-RFQ reminders.
type Notifier interface {
	Remind(company int64, ticketID string, note string) error
	Confirm(company int64, ticketID string, payload map[string]interface{}) error
}

// StateChange describes one internal transition plus its external projection.
type StateChange struct {
	TicketID string
	Company  int64
	Actor    string
	From     string
	To       string
	External string
	At       time.Time
}

// Bus fans a state change out to the callbacks registered at startup.
// Callbacks run inline on the engine loop, so they must be quick, and any
// error stays with the callback owner.
type Bus struct {
	mu  sync.Mutex
	fns []func(StateChange)
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) OnStateChange(fn func(StateChange)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fns = append(b.fns, fn)
}

func (b *Bus) Emit(sc StateChange) {
	b.mu.Lock()
	fns := b.fns
	b.mu.Unlock()

	for _, fn := range fns {
		fn(sc)
	}
}

// LogDispatcher logs instead of delivering, used when webhooks are disabled.
type LogDispatcher struct{}

func (LogDispatcher) DispatchEvent(company int64, eventType string, payload map[string]interface{}) error {
	logger.Infof("webhook company:%d event:%s payload:%v", company, eventType, payload)
	return nil
}

// LogNotifier logs instead of sending.
type LogNotifier struct{}

func (LogNotifier) Remind(company int64, ticketID string, note string) error {
	logger.Infof("reminder company:%d ticket:%s note:%s", company, ticketID, note)
	return nil
}

func (LogNotifier) Confirm(company int64, ticketID string, payload map[string]interface{}) error {
	logger.Infof("confirm company:%d ticket:%s", company, ticketID)
	return nil
}

// Recorder keeps dispatched events in memory. Test double.
type Recorder struct {
	mu     sync.Mutex
	Events []RecordedEvent
}

type RecordedEvent struct {
	Company int64
	Type    string
	Payload map[string]interface{}
}

func (r *Recorder) DispatchEvent(company int64, eventType string, payload map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, RecordedEvent{Company: company, Type: eventType, Payload: payload})
	return nil
}

func (r *Recorder) Count(eventType string) (n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.Events {
		if ev.Type == eventType {
			n++
		}
	}
	return
}
