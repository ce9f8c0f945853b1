package oms_test

import (
	"path/filepath"
	"testing"
	"time"

	"oems/pkg/events"
	"oems/pkg/model"
	"oems/pkg/oms"
	"oems/pkg/queue"
	"oems/pkg/routing"
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

// gateApprover grants or denies everything by its switch.
type gateApprover struct {
	allow bool
}

func (a *gateApprover) Check(company int64, amount decimal.Decimal) (bool, []string, error) {
	return a.allow, []string{"ops"}, nil
}

type fixture struct {
	db   *gorm.DB
	q    *queue.Queue
	rec  *events.Recorder
	appr *gateApprover
	prof routing.Profile
	pool map[string][]string
	now  time.Time
	w    *oms.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		db:   testDB(t),
		rec:  &events.Recorder{},
		appr: &gateApprover{allow: true},
		prof: routing.Profile{DefaultVenue: "generic"},
		pool: map[string][]string{
			"generic": {"EMS_GENERIC_1", "EMS_GENERIC_2"},
		},
		now: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC), // a Wednesday
	}
	f.q = queue.New(f.db)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()

	w, err := oms.New(oms.Options{
		ID:            "1",
		DB:            f.db,
		Profiles:      oms.StaticProfiles{1: f.prof},
		Calendar:      routing.WeekendCalendar{},
		Approver:      f.appr,
		Dispatcher:    f.rec,
		Pool:          f.pool,
		OrphanTimeout: 2 * time.Minute,
		Now:           func() time.Time { return f.now },
	})
	require.Nil(t, err)
	f.w = w
}

func (f *fixture) seed(t *testing.T, row model.Ticket) model.Ticket {
	t.Helper()

	if row.InternalState == "" {
		row.InternalState = ticket.StateNew
	}
	if row.Action == "" {
		row.Action = ticket.ActionExecute
	}
	if row.Company == 0 {
		row.Company = 1
	}
	if row.BuyCcy == "" {
		row.BuyCcy, row.SellCcy = "EUR", "USD"
	}
	if row.Amount.IsZero() {
		row.Amount = decimal.NewFromInt(100000)
	}
	if row.LockSide == "" {
		row.LockSide = "buy"
	}
	require.Nil(t, f.db.Create(&row).Error)
	return row
}

func (f *fixture) enqueueCreate(t *testing.T, row model.Ticket) int64 {
	t.Helper()

	id, err := f.q.Enqueue(queue.TopicOMS("OMS_1"), ticket.Wrap(row).Export(), queue.ActionCreate, "api", row.TicketID)
	require.Nil(t, err)
	return id
}

func (f *fixture) load(t *testing.T, uid string) model.Ticket {
	t.Helper()

	var row model.Ticket
	require.Nil(t, f.db.Model(model.Ticket{}).Where("ticket_id = ?", uid).First(&row).Error)
	return row
}

func (f *fixture) topicUIDs(t *testing.T, topic string) (uids []string) {
	t.Helper()

	msgs, err := f.q.Dequeue(topic, 100)
	require.Nil(t, err)
	for _, m := range msgs {
		uids = append(uids, m.UID)
	}
	return
}

func TestCreateAssignsRoundRobin(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	for _, uid := range []string{"uid-1", "uid-2", "uid-3"} {
		row := f.seed(t, model.Ticket{TicketID: uid})
		f.enqueueCreate(t, row)
	}
	f.w.Cycle()

	// routed, owned, and dealt round-robin across the venue pool
	got := f.load(t, "uid-1")
	require.Equal(t, "generic", got.Venue)
	require.Equal(t, routing.RFQAPI, got.RFQType)
	require.Equal(t, "OMS_1", got.OMSOwner)

	require.Equal(t, []string{"uid-1", "uid-3"}, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_1")))
	require.Equal(t, []string{"uid-2"}, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_2")))

	require.Equal(t, 3, f.rec.Count(events.EvTicketCreated))
}

func TestAssignCursorSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	row := f.seed(t, model.Ticket{TicketID: "uid-1"})
	f.enqueueCreate(t, row)
	f.w.Cycle()

	// a fresh worker continues the rotation instead of starting over
	f.start(t)
	row = f.seed(t, model.Ticket{TicketID: "uid-2"})
	f.enqueueCreate(t, row)
	f.w.Cycle()

	require.Equal(t, []string{"uid-1"}, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_1")))
	require.Equal(t, []string{"uid-2"}, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_2")))
}

func TestCreateWithoutPoolUsesClassTopic(t *testing.T) {
	f := newFixture(t)
	f.pool = nil
	f.start(t)

	row := f.seed(t, model.Ticket{TicketID: "uid-1"})
	f.enqueueCreate(t, row)
	f.w.Cycle()

	require.Equal(t, []string{"uid-1"}, f.topicUIDs(t, queue.TopicEMSClass("generic")))
}

func TestCreateValidationFailure(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	row := f.seed(t, model.Ticket{TicketID: "uid-1", BuyCcy: "USD", SellCcy: "USD"})
	f.enqueueCreate(t, row)
	f.w.Cycle()

	got := f.load(t, "uid-1")
	require.Equal(t, ticket.StateFailed, got.InternalState)
	require.Equal(t, ticket.ExtFailed, got.ExternalState)

	require.Equal(t, 0, f.rec.Count(events.EvTicketCreated))
	require.Equal(t, 1, f.rec.Count(events.EvTicketUpdated))
	require.Empty(t, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_1")))
}

func TestCreateUnsupportedForward(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	row := f.seed(t, model.Ticket{TicketID: "uid-1", Tenor: routing.TenorFwd})
	f.enqueueCreate(t, row)
	f.w.Cycle()

	require.Equal(t, ticket.StateFailed, f.load(t, "uid-1").InternalState)
	require.Empty(t, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_1")))
}

func TestApprovalGate(t *testing.T) {
	f := newFixture(t)
	f.prof.ApprovalThreshold = decimal.NewFromInt(1000)
	f.appr.allow = false
	f.start(t)

	row := f.seed(t, model.Ticket{TicketID: "uid-1", Amount: decimal.NewFromInt(5000)})
	f.enqueueCreate(t, row)
	f.w.Cycle()

	got := f.load(t, "uid-1")
	require.Equal(t, ticket.StatePendAuth, got.InternalState)
	require.Equal(t, ticket.ExtPending, got.ExternalState)
	require.Empty(t, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_1")))

	// held until the approval clears, then dealt normally
	f.w.Cycle()
	require.Empty(t, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_1")))

	f.appr.allow = true
	f.w.Cycle()
	require.Equal(t, ticket.StateNew, f.load(t, "uid-1").InternalState)
	require.Equal(t, []string{"uid-1"}, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_1")))
}

func TestRecoverReloadsApprovalGated(t *testing.T) {
	f := newFixture(t)
	f.appr.allow = false
	f.start(t)

	f.seed(t, model.Ticket{TicketID: "uid-1", InternalState: ticket.StatePendAuth, OMSOwner: "OMS_1"})
	require.Nil(t, f.w.Recover())

	f.appr.allow = true
	f.w.Cycle()
	require.Equal(t, []string{"uid-1"}, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_1")))
}

func TestCancelForwardedToOwningEMS(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.seed(t, model.Ticket{
		TicketID: "uid-1", InternalState: ticket.StateWorking,
		OMSOwner: "OMS_1", EMSOwner: "EMS_GENERIC_1",
	})
	cid, err := f.q.Enqueue(queue.TopicOMS("OMS_1"), model.GormMap{}, queue.ActionCancel, "api", "uid-1")
	require.Nil(t, err)
	f.w.Cycle()

	require.Equal(t, []string{"uid-1"}, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_1")))

	msg, err := f.q.Get(cid)
	require.Nil(t, err)
	require.Equal(t, "FORWARDED", msg.Resp["result"])
}

func TestLocalCancel(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	// an unassigned ticket in a cancellable state cancels locally
	f.seed(t, model.Ticket{TicketID: "uid-1", InternalState: ticket.StateWaiting, OMSOwner: "OMS_1"})
	cid, err := f.q.Enqueue(queue.TopicOMS("OMS_1"), model.GormMap{}, queue.ActionCancel, "api", "uid-1")
	require.Nil(t, err)
	f.w.Cycle()

	require.Equal(t, ticket.StateCanceled, f.load(t, "uid-1").InternalState)
	require.Equal(t, 1, f.rec.Count(events.EvTicketCanceled))
	msg, err := f.q.Get(cid)
	require.Nil(t, err)
	require.Equal(t, ticket.StateCanceled, msg.Resp["result"])

	// a ticket outside the cancellable set is rejected: internal state kept,
	// customer-facing state set back to ACTIVE
	f.seed(t, model.Ticket{
		TicketID: "uid-2", InternalState: ticket.StateDone,
		ExternalState: ticket.ExtDone, OMSOwner: "OMS_1",
	})
	cid, err = f.q.Enqueue(queue.TopicOMS("OMS_1"), model.GormMap{}, queue.ActionCancel, "api", "uid-2")
	require.Nil(t, err)
	f.w.Cycle()

	got := f.load(t, "uid-2")
	require.Equal(t, ticket.StateDone, got.InternalState)
	require.Equal(t, ticket.ExtActive, got.ExternalState)
	msg, err = f.q.Get(cid)
	require.Nil(t, err)
	require.Equal(t, queue.ActionCancelReject, msg.Resp["result"])
}

func TestCompletionDoneWithFutureValueDate(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.seed(t, model.Ticket{
		TicketID: "uid-1", InternalState: ticket.StateDone, OMSOwner: "OMS_1",
		ValueDate: model.GormTime(f.now.AddDate(0, 0, 2)),
	})
	_, err := f.q.Enqueue(queue.TopicOMS("OMS_1"), model.GormMap{"company": float64(1)}, ticket.StateDone, "EMS_GENERIC_1", "uid-1")
	require.Nil(t, err)
	f.w.Cycle()

	got := f.load(t, "uid-1")
	require.Equal(t, ticket.StateDonePendSettle, got.InternalState)
	require.Equal(t, ticket.ExtDone, got.ExternalState)
}

func TestSettlementSweep(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.seed(t, model.Ticket{
		TicketID: "uid-1", InternalState: ticket.StateDonePendSettle, OMSOwner: "OMS_1",
		ValueDate: model.GormTime(f.now.AddDate(0, 0, -1)),
	})
	f.w.Cycle()

	require.Equal(t, ticket.StateDone, f.load(t, "uid-1").InternalState)
	require.Equal(t, 1, f.rec.Count(events.EvTradeSettle))

	// settling is idempotent, a second sweep finds nothing
	f.w.Cycle()
	require.Equal(t, 1, f.rec.Count(events.EvTradeSettle))
}

func TestOrphanReassigned(t *testing.T) {
	f := newFixture(t)
	f.now = time.Now().Add(10 * time.Minute) // well past the orphan timeout
	f.start(t)

	f.seed(t, model.Ticket{
		TicketID: "uid-1", InternalState: ticket.StateWorking,
		OMSOwner: "OMS_1", EMSOwner: "", Venue: "generic",
	})
	f.w.Cycle()

	require.Equal(t, []string{"uid-1"}, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_1")))
}

func TestOrphanReroutedWhenVenueMissing(t *testing.T) {
	f := newFixture(t)
	f.now = time.Now().Add(10 * time.Minute)
	f.start(t)

	// released before routing ever recorded a venue: re-assignment must
	// route first, not enqueue to the empty class topic nobody drains
	f.seed(t, model.Ticket{
		TicketID: "uid-1", InternalState: ticket.StateNew,
		OMSOwner: "OMS_1", EMSOwner: "",
	})
	f.w.Cycle()

	require.Equal(t, "generic", f.load(t, "uid-1").Venue)
	require.Equal(t, []string{"uid-1"}, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_1")))
	require.Empty(t, f.topicUIDs(t, queue.TopicEMSClass("")))
}

func TestOwnedTicketIsNotOrphan(t *testing.T) {
	f := newFixture(t)
	f.now = time.Now().Add(10 * time.Minute)
	f.start(t)

	f.seed(t, model.Ticket{
		TicketID: "uid-1", InternalState: ticket.StateWorking,
		OMSOwner: "OMS_1", EMSOwner: "EMS_GENERIC_1", Venue: "generic",
	})
	f.w.Cycle()

	require.Empty(t, f.topicUIDs(t, queue.TopicEMS("EMS_GENERIC_1")))
}
