package ems_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"oems/pkg/ems"
	"oems/pkg/events"
	"oems/pkg/model"
	"oems/pkg/queue"
	"oems/pkg/ticket"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	require.Nil(t, err)
	require.Nil(t, model.Migrate(db))
	return db
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeVenue quotes from a canned response and reports done after Polls
// status checks.
type fakeVenue struct {
	class     string
	quote     ems.QuoteResp
	polls     int
	pollCount map[string]int
}

func newFakeVenue(clock *fakeClock) *fakeVenue {
	return &fakeVenue{
		class: "generic",
		quote: ems.QuoteResp{
			QuoteID:  "q-1",
			Rate:     decimal.RequireFromString("1.0851"),
			SpotRate: decimal.RequireFromString("1.0851"),
			Expiry:   clock.Now().Add(time.Hour),
		},
		polls:     1,
		pollCount: map[string]int{},
	}
}

func (v *fakeVenue) Name() string { return v.class }

func (v *fakeVenue) DoAccept(t *ticket.Ticket) (bool, error) { return true, nil }

func (v *fakeVenue) Quote(t *ticket.Ticket) error {
	t.SetQuote(v.quote.QuoteID, v.quote.Rate, v.quote.SpotRate, v.quote.FwdPoints, v.quote.Expiry)
	return nil
}

func (v *fakeVenue) CheckDone(t *ticket.Ticket) (bool, error) {
	v.pollCount[t.TicketID()]++
	return v.pollCount[t.TicketID()] > v.polls, nil
}

type countNotifier struct {
	reminds  int
	confirms int
}

func (n *countNotifier) Remind(company int64, ticketID, note string) error {
	n.reminds++
	return nil
}

func (n *countNotifier) Confirm(company int64, ticketID string, payload map[string]interface{}) error {
	n.confirms++
	return nil
}

type fixture struct {
	db    *gorm.DB
	q     *queue.Queue
	clock *fakeClock
	venue *fakeVenue
	rec   *events.Recorder
	noti  *countNotifier
	w     *ems.Worker
}

func newFixture(t *testing.T, id string) *fixture {
	t.Helper()

	f := &fixture{
		db:    testDB(t),
		clock: newFakeClock(),
		rec:   &events.Recorder{},
		noti:  &countNotifier{},
	}
	f.q = queue.New(f.db)
	f.venue = newFakeVenue(f.clock)
	f.w = newWorker(t, f, id)
	return f
}

func newWorker(t *testing.T, f *fixture, id string) *ems.Worker {
	t.Helper()

	w, err := ems.New(ems.Options{
		ID:         id,
		Venue:      f.venue,
		DB:         f.db,
		Dispatcher: f.rec,
		Notifier:   f.noti,
		Timeout:    time.Second,
		Now:        f.clock.Now,
	})
	require.Nil(t, err)
	return w
}

func (f *fixture) seed(t *testing.T, row model.Ticket) model.Ticket {
	t.Helper()

	if row.InternalState == "" {
		row.InternalState = ticket.StateNew
	}
	if row.Action == "" {
		row.Action = ticket.ActionExecute
	}
	if row.OMSOwner == "" {
		row.OMSOwner = "OMS_1"
	}
	row.Company = 7
	require.Nil(t, f.db.Create(&row).Error)
	return row
}

func (f *fixture) enqueueCreate(t *testing.T, topic string, row model.Ticket) int64 {
	t.Helper()

	id, err := f.q.Enqueue(topic, ticket.Wrap(row).Export(), queue.ActionCreate, "OMS_1", row.TicketID)
	require.Nil(t, err)
	return id
}

func (f *fixture) load(t *testing.T, uid string) model.Ticket {
	t.Helper()

	var row model.Ticket
	require.Nil(t, f.db.Model(model.Ticket{}).Where("ticket_id = ?", uid).First(&row).Error)
	return row
}

// cycle advances the clock and runs one engine iteration.
func (f *fixture) cycle() {
	f.clock.Advance(time.Second)
	f.w.Cycle()
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t, "1")

	row := f.seed(t, model.Ticket{TicketID: "uid-1"})
	f.enqueueCreate(t, queue.TopicEMS(f.w.Name), row)

	for i := 0; i < 10 && f.load(t, "uid-1").InternalState != ticket.StateDone; i++ {
		f.cycle()
	}

	got := f.load(t, "uid-1")
	require.Equal(t, ticket.StateDone, got.InternalState)
	require.Equal(t, ticket.ExtDone, got.ExternalState)
	require.Equal(t, "", got.EMSOwner)

	// exactly one trade confirmation, by webhook and by notifier
	require.Equal(t, 1, f.rec.Count(events.EvTradeConfirm))
	require.Equal(t, 1, f.noti.confirms)

	// one completion notice handed back to the order manager
	msgs, err := f.q.Dequeue(queue.TopicOMS("OMS_1"), 10)
	require.Nil(t, err)
	var done int
	for _, m := range msgs {
		if m.Action == ticket.StateDone && m.UID == "uid-1" {
			done++
		}
	}
	require.Equal(t, 1, done)

	require.False(t, f.w.Owned("uid-1"))
}

func TestRFQQuoteFlow(t *testing.T) {
	f := newFixture(t, "1")

	row := f.seed(t, model.Ticket{TicketID: "uid-1", Action: ticket.ActionRFQ, RFQType: "api"})
	f.enqueueCreate(t, queue.TopicEMS(f.w.Name), row)

	for i := 0; i < 5 && f.load(t, "uid-1").InternalState != ticket.StateRFQDone; i++ {
		f.cycle()
	}

	got := f.load(t, "uid-1")
	require.Equal(t, ticket.StateRFQDone, got.InternalState)
	require.Equal(t, "q-1", got.QuoteID)
	require.True(t, got.Rate.Equal(decimal.RequireFromString("1.0851")))

	// still owned, waiting for the customer to act on the quote
	require.True(t, f.w.Owned("uid-1"))
}

func TestQuoteExpiry(t *testing.T) {
	f := newFixture(t, "1")
	f.venue.quote.Expiry = f.clock.Now().Add(3 * time.Second)

	row := f.seed(t, model.Ticket{TicketID: "uid-1", Action: ticket.ActionRFQ, RFQType: "api"})
	f.enqueueCreate(t, queue.TopicEMS(f.w.Name), row)

	for i := 0; i < 10 && f.load(t, "uid-1").InternalState != ticket.StateExpired; i++ {
		f.cycle()
	}

	got := f.load(t, "uid-1")
	require.Equal(t, ticket.StateExpired, got.InternalState)
	require.Equal(t, ticket.ExtExpired, got.ExternalState)
	require.Equal(t, "", got.EMSOwner)
}

func TestCancelWhileWorking(t *testing.T) {
	f := newFixture(t, "1")
	f.venue.polls = 100 // never fills

	row := f.seed(t, model.Ticket{TicketID: "uid-1"})
	f.enqueueCreate(t, queue.TopicEMS(f.w.Name), row)

	for i := 0; i < 5 && f.load(t, "uid-1").InternalState != ticket.StateWorking; i++ {
		f.cycle()
	}
	require.Equal(t, ticket.StateWorking, f.load(t, "uid-1").InternalState)

	cid, err := f.q.Enqueue(queue.TopicEMS(f.w.Name), model.GormMap{}, queue.ActionCancel, "api", "uid-1")
	require.Nil(t, err)
	f.cycle()

	got := f.load(t, "uid-1")
	require.Equal(t, ticket.StateCanceled, got.InternalState)
	require.Equal(t, ticket.ExtCanceled, got.ExternalState)
	require.Equal(t, "", got.EMSOwner)
	require.Equal(t, 1, f.rec.Count(events.EvTicketCanceled))

	// the request message carries the disposition for the originator
	msg, err := f.q.Get(cid)
	require.Nil(t, err)
	require.Equal(t, ticket.StateCanceled, msg.Resp["result"])
}

func TestRejectLateCancel(t *testing.T) {
	f := newFixture(t, "1")

	row := f.seed(t, model.Ticket{TicketID: "uid-1", Action: ticket.ActionRFQ, RFQType: "api"})
	f.enqueueCreate(t, queue.TopicEMS(f.w.Name), row)

	for i := 0; i < 5 && f.load(t, "uid-1").InternalState != ticket.StateRFQDone; i++ {
		f.cycle()
	}

	cid, err := f.q.Enqueue(queue.TopicEMS(f.w.Name), model.GormMap{}, queue.ActionCancel, "api", "uid-1")
	require.Nil(t, err)
	f.cycle()

	// rejected: internal state untouched, customer-facing state restored
	got := f.load(t, "uid-1")
	require.Equal(t, ticket.StateRFQDone, got.InternalState)
	require.Equal(t, ticket.ExtActive, got.ExternalState)
	require.True(t, f.w.Owned("uid-1"))
	require.Equal(t, 0, f.rec.Count(events.EvTicketCanceled))

	msg, err := f.q.Get(cid)
	require.Nil(t, err)
	require.Equal(t, queue.ActionCancelReject, msg.Resp["result"])
}

func TestCrashRecoveryReplay(t *testing.T) {
	f := newFixture(t, "1")
	f.venue.polls = 100 // keep the ticket in WORKING

	row := f.seed(t, model.Ticket{TicketID: "uid-1"})
	f.enqueueCreate(t, queue.TopicEMS(f.w.Name), row)
	f.cycle()
	require.True(t, f.w.Owned("uid-1"))

	watermark := f.load(t, "uid-1").LastMessageID
	require.Greater(t, watermark, int64(0))

	// updates queued while the process is down
	_, err := f.q.Enqueue(queue.TopicEMS(f.w.Name), model.GormMap{}, queue.ActionUpdate, "OMS_1", "uid-1")
	require.Nil(t, err)
	last, err := f.q.Enqueue(queue.TopicEMS(f.w.Name), model.GormMap{}, queue.ActionUpdate, "OMS_1", "uid-1")
	require.Nil(t, err)

	// a fresh worker with the same identity picks up where the crash left off
	w2 := newWorker(t, f, "1")
	require.Nil(t, w2.Recover())

	require.True(t, w2.Owned("uid-1"))
	require.Equal(t, last, f.load(t, "uid-1").LastMessageID)

	// the replayed backlog is acknowledged
	msgs, err := f.q.Dequeue(queue.TopicEMS(w2.Name), 10)
	require.Nil(t, err)
	require.Len(t, msgs, 0)
}

func TestClassTopicExclusivity(t *testing.T) {
	f := newFixture(t, "1")
	f.venue.polls = 100
	w2 := newWorker(t, f, "2")

	row := f.seed(t, model.Ticket{TicketID: "uid-1"})
	f.enqueueCreate(t, queue.TopicEMSClass("generic"), row)

	f.cycle()
	require.True(t, f.w.Owned("uid-1"))

	// a duplicate creation on the class topic cannot be claimed twice
	f.enqueueCreate(t, queue.TopicEMSClass("generic"), row)
	w2.Cycle()

	require.False(t, w2.Owned("uid-1"))
	require.Equal(t, f.w.Name, f.load(t, "uid-1").EMSOwner)
}

func TestLostClaimLeavesMessageQueued(t *testing.T) {
	f := newFixture(t, "1")
	f.venue.polls = 100
	w2 := newWorker(t, f, "2")

	// the store already names instance 1 as owner, but the creation message
	// was never applied: instance 1 claimed and then failed mid-create
	row := f.seed(t, model.Ticket{TicketID: "uid-1", EMSOwner: f.w.Name})
	mid := f.enqueueCreate(t, queue.TopicEMSClass("generic"), row)

	// the losing instance must leave the message for the owner to apply
	w2.Cycle()
	require.False(t, w2.Owned("uid-1"))

	msgs, err := f.q.Dequeue(queue.TopicEMSClass("generic"), 10)
	require.Nil(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, mid, msgs[0].ID)

	// the owner's retry applies and acknowledges it
	f.cycle()
	require.True(t, f.w.Owned("uid-1"))

	msgs, err = f.q.Dequeue(queue.TopicEMSClass("generic"), 10)
	require.Nil(t, err)
	require.Empty(t, msgs)
}

func TestSweepIndexStaysExact(t *testing.T) {
	f := newFixture(t, "1")
	f.venue.polls = 100

	row := f.seed(t, model.Ticket{TicketID: "uid-1"})
	f.enqueueCreate(t, queue.TopicEMS(f.w.Name), row)
	f.cycle()
	require.True(t, f.w.Owned("uid-1"))
	require.Equal(t, 1, f.w.SchedLen())

	// an update moves the re-check time during intake; the index must
	// follow it, one entry per owned ticket
	_, err := f.q.Enqueue(queue.TopicEMS(f.w.Name), model.GormMap{}, queue.ActionUpdate, "OMS_1", "uid-1")
	require.Nil(t, err)
	f.cycle()
	require.Equal(t, 1, f.w.SchedLen())

	// a cancel releases the ticket; housekeeping drops its entry exactly
	_, err = f.q.Enqueue(queue.TopicEMS(f.w.Name), model.GormMap{}, queue.ActionCancel, "api", "uid-1")
	require.Nil(t, err)
	f.cycle()

	require.False(t, f.w.Owned("uid-1"))
	require.Zero(t, f.w.SchedLen())
}

func TestManualRFQReminderThrottle(t *testing.T) {
	f := newFixture(t, "1")

	row := f.seed(t, model.Ticket{TicketID: "uid-1", Action: ticket.ActionRFQ, RFQType: "manual"})
	f.enqueueCreate(t, queue.TopicEMS(f.w.Name), row)

	for i := 0; i < 4; i++ {
		f.cycle()
	}
	require.Equal(t, ticket.StatePendRFQ, f.load(t, "uid-1").InternalState)
	require.Equal(t, 1, f.noti.reminds)

	// within the reminder interval nothing more is sent
	for i := 0; i < 3; i++ {
		f.cycle()
	}
	require.Equal(t, 1, f.noti.reminds)

	// past the interval the operator is nudged again
	f.clock.Advance(16 * time.Minute)
	f.w.Cycle()
	require.Equal(t, 2, f.noti.reminds)
}
