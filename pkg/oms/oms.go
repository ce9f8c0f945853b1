// Package oms is the order-management engine. It consumes structured ticket
// creation requests from the API layer, routes and assigns them to an
// available EMS instance, and reconciles completion, settlement and orphaned
// tickets. Same polling shape as the EMS: one exclusive-leased process, one
// cycle of queue intake then sweep.
package oms

import (
	"time"

	"oems/pkg/events"
	"oems/pkg/info"
	"oems/pkg/journal"
	"oems/pkg/model"
	"oems/pkg/queue"
	"oems/pkg/routing"
	"oems/pkg/ticket"
	"oems/pkg/xetcd"
	"oems/pkg/xlog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var logger = xlog.GetLogger()

// Profiles resolves a company's execution profile.
type Profiles interface {
	Get(company int64) (routing.Profile, error)
}

// StaticProfiles serves profiles from a fixed map.
type StaticProfiles map[int64]routing.Profile

func (p StaticProfiles) Get(company int64) (routing.Profile, error) {
	prof, ok := p[company]
	if !ok {
		return routing.Profile{}, routing.ErrNoVenue
	}
	return prof, nil
}

type Options struct {
	ID string // logical instance id, e.g. "1"
	DB *gorm.DB

	Profiles Profiles
	Calendar routing.Calendar
	Approver routing.Approver

	Dispatcher events.Dispatcher
	Notifier   events.Notifier
	Bus        *events.Bus
	Journal    *journal.Journal

	// Pool maps a venue class to the EMS instance ids assignable for it.
	Pool map[string][]string

	Batch         int
	Timeout       time.Duration
	OrphanTimeout time.Duration
	LeaseTTL      int64

	Now func() time.Time // clock override, tests only
}

// Worker is one OMS instance.
type Worker struct {
	Name  string // e.g. OMS_1
	State string

	db *gorm.DB
	q  *queue.Queue

	profiles Profiles
	cal      routing.Calendar
	appr     routing.Approver

	disp events.Dispatcher
	noti events.Notifier
	bus  *events.Bus
	jnl  *journal.Journal

	pool map[string][]string

	// pending holds tickets gated before assignment (PENDAUTH).
	pending map[string]*ticket.Ticket

	batch         int
	timeout       time.Duration
	orphanTimeout time.Duration
	leaseTTL      int64

	actions map[string]func(*Worker, model.QueueMsg) error

	now  func() time.Time
	stop chan struct{}
}

func New(opts Options) (w *Worker, err error) {
	if opts.Batch <= 0 {
		opts.Batch = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.OrphanTimeout <= 0 {
		opts.OrphanTimeout = 2 * time.Minute
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 15
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = events.LogDispatcher{}
	}
	if opts.Notifier == nil {
		opts.Notifier = events.LogNotifier{}
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	w = &Worker{
		Name:  info.ComposeName("OMS", "", opts.ID),
		State: "Init",

		db: opts.DB,
		q:  queue.New(opts.DB),

		profiles: opts.Profiles,
		cal:      opts.Calendar,
		appr:     opts.Approver,

		disp: opts.Dispatcher,
		noti: opts.Notifier,
		bus:  opts.Bus,
		jnl:  opts.Journal,

		pool:    opts.Pool,
		pending: map[string]*ticket.Ticket{},

		batch:         opts.Batch,
		timeout:       opts.Timeout,
		orphanTimeout: opts.OrphanTimeout,
		leaseTTL:      opts.LeaseTTL,

		now:  opts.Now,
		stop: make(chan struct{}),
	}

	w.actions = map[string]func(*Worker, model.QueueMsg) error{
		queue.ActionCreate:       (*Worker).handleCreate,
		queue.ActionUpdate:       (*Worker).handleUpdate,
		queue.ActionCancel:       (*Worker).handleCancel,
		queue.ActionAccept:       (*Worker).handleStatus,
		queue.ActionCancelReject: (*Worker).handleCancelReject,
	}
	// every EMS-terminal disposition lands on the same completion handler
	for st := range ticket.EMSTerminalStates {
		w.actions[st] = (*Worker).handleCompletion
	}

	logger.Infof("oms worker %s created", w.Name)
	return
}

// Run acquires the exclusive process lease (fatal on failure) and polls
// until Stop is called.
func (w *Worker) Run() (err error) {
	release, err := xetcd.AcquireLease(w.Name, w.leaseTTL)
	if err != nil {
		logger.Errorf("%s lease acquisition failed, refusing to run un-leased: %s", w.Name, err)
		return
	}
	defer release()

	if err = w.Recover(); err != nil {
		logger.Errorf("%s recover failed with err:%s", w.Name, err)
		return
	}

	w.State = "Working"
	for {
		select {
		case <-w.stop:
			w.State = "Draining"
			logger.Infof("%s drained", w.Name)
			return nil
		default:
		}

		busy := w.Cycle()
		if !busy {
			time.Sleep(w.timeout)
		}
	}
}

func (w *Worker) Stop() {
	close(w.stop)
}

// Recover reloads the approval-gated tickets this instance parked before its
// last shutdown. Everything else is recovered by the sweeps directly from
// the store.
func (w *Worker) Recover() (err error) {
	var rows []model.Ticket
	err = w.db.Model(model.Ticket{}).
		Where("oms_owner = ? AND internal_state = ?", w.Name, ticket.StatePendAuth).
		Find(&rows).Error
	if err != nil {
		return
	}

	for _, row := range rows {
		w.pending[row.TicketID] = ticket.Wrap(row)
	}

	logger.Infof("%s recovered, %d tickets awaiting approval", w.Name, len(rows))
	return
}

// Cycle runs one iteration: intake the OMS topic, then sweep gated tickets,
// settlement and orphans.
func (w *Worker) Cycle() (busy bool) {
	busy = w.intake() > 0
	if w.sweep() > 0 {
		busy = true
	}
	return
}

func (w *Worker) intake() (handled int) {
	msgs, err := w.q.Dequeue(queue.TopicOMS(w.Name), w.batch)
	if err != nil {
		return
	}

	for _, msg := range msgs {
		fn, ok := w.actions[msg.Action]
		if !ok {
			logger.Warningf("%s no handler for action %s, discarding msg:%d", w.Name, msg.Action, msg.ID)
			_ = w.q.DelQueue(msg.ID)
			continue
		}

		if err := fn(w, msg); err != nil {
			logger.Errorf("%s handle %s msg:%d failed with err:%s", w.Name, msg.Action, msg.ID, err)
			continue
		}

		handled++
		if msg.Action != queue.ActionCancel {
			_ = w.q.DelQueue(msg.ID)
		}
	}

	return
}

func (w *Worker) sweep() (worked int) {
	worked += w.sweepPending()
	worked += w.sweepSettlement()
	worked += w.sweepOrphans()
	return
}

// sweepPending re-checks approval-gated tickets and assigns the ones that
// cleared their gate.
func (w *Worker) sweepPending() (worked int) {
	for uid, t := range w.pending {
		if t.InternalState() != ticket.StatePendAuth {
			delete(w.pending, uid)
			continue
		}

		ok, _, err := w.appr.Check(t.Company(), t.Amount())
		if err != nil {
			logger.Errorf("%s approval check uid:%s failed with err:%s", w.Name, uid, err)
			continue
		}
		if !ok {
			continue
		}

		if err := w.reroute(t); err != nil {
			logger.Errorf("%s reroute uid:%s failed with err:%s", w.Name, uid, err)
			continue
		}

		w.transition(t, ticket.StateNew, "approval granted")
		if err := t.Save(w.db); err != nil {
			continue
		}
		w.assign(t)
		delete(w.pending, uid)
		worked++
	}
	return
}

// sweepSettlement finishes tickets that were done on the trade side but
// still waiting for their value date to settle.
func (w *Worker) sweepSettlement() (worked int) {
	var rows []model.Ticket
	err := w.db.Model(model.Ticket{}).
		Where("internal_state = ? AND oms_owner = ?", ticket.StateDonePendSettle, w.Name).
		Find(&rows).Error
	if err != nil {
		return
	}

	today := w.now()
	for _, row := range rows {
		vd := row.ValueDate.Time()
		if vd.IsZero() || vd.After(today) {
			continue
		}
		if w.cal != nil && !w.cal.IsSettlementDay(row.BuyCcy, today) {
			continue
		}

		t := ticket.Wrap(row)
		w.transition(t, ticket.StateDone, "settled")
		if err := t.Save(w.db); err != nil {
			continue
		}
		w.dispatch(t, events.EvTradeSettle)
		worked++
	}
	return
}

// reassignableStates: a released but unfinished ticket in one of these is an
// orphan the OMS must give back to the pool.
var reassignableStates = []string{
	ticket.StateNew,
	ticket.StateAccepted,
	ticket.StateWorking,
	ticket.StateActive,
	ticket.StatePaused,
	ticket.StatePendPause,
	ticket.StatePendResume,
	ticket.StatePendCancel,
	ticket.StateWaiting,
	ticket.StatePendRFQ,
	ticket.StateRFQDone,
	ticket.StateScheduled,
}

// sweepOrphans re-detects tickets whose EMS released them (or crashed)
// without reaching a terminal state and routes them back into the pool.
// Trigger is timeout-based: no update for orphanTimeout while unowned.
func (w *Worker) sweepOrphans() (worked int) {
	cutoff := w.now().Add(-w.orphanTimeout)

	var rows []model.Ticket
	err := w.db.Model(model.Ticket{}).
		Where("ems_owner = '' AND oms_owner = ? AND internal_state IN ? AND updated_at < ?",
			w.Name, reassignableStates, cutoff).
		Find(&rows).Error
	if err != nil {
		return
	}

	for _, row := range rows {
		t := ticket.Wrap(row)
		if err := w.reroute(t); err != nil {
			logger.Errorf("%s reroute orphan uid:%s failed with err:%s", w.Name, t.TicketID(), err)
			continue
		}
		logger.Warningf("%s reassigning orphaned ticket %s in state %s", w.Name, t.TicketID(), t.InternalState())
		w.assign(t)
		worked++
	}
	return
}

// reroute fills in the routing decision for a ticket that reached assignment
// without a venue, which happens for gated or orphaned tickets recovered
// straight from the store. With no venue there is no class to assign by,
// only the dead class-wide topic of the empty class.
func (w *Worker) reroute(t *ticket.Ticket) (err error) {
	if t.Venue() != "" {
		return
	}

	prof, err := w.profiles.Get(t.Company())
	if err != nil {
		return
	}
	rt, err := routing.Pick(prof, createReq(t).Pair(), t.Tenor(), t.Amount())
	if err != nil {
		return
	}

	t.SetVenue(rt.Venue)
	t.SetRFQType(rt.RFQType)
	return t.Save(w.db)
}

// assign enqueues the ticket to a chosen EMS instance topic, or to the
// class-wide topic when no instance pool is configured for the venue class.
func (w *Worker) assign(t *ticket.Ticket) {
	class := t.Venue()
	ids := w.pool[class]

	topic := queue.TopicEMSClass(class)
	if len(ids) > 0 {
		topic = queue.TopicEMS(ids[w.nextCursor(class)%int64(len(ids))])
	}

	if _, err := w.q.Enqueue(topic, t.Export(), queue.ActionCreate, w.Name, t.TicketID()); err != nil {
		logger.Errorf("%s assign uid:%s to %s failed with err:%s", w.Name, t.TicketID(), topic, err)
	}
}

// nextCursor advances the persisted round-robin cursor for a venue class so
// reassignment keeps rotating across restarts.
func (w *Worker) nextCursor(class string) (cur int64) {
	kv := model.Lastkv{
		App: w.Name,
		Key: model.LASTKV_K_ASSIGN_CURSOR + class,
	}

	err := w.db.Model(model.Lastkv{}).Where("app = ? AND `key` = ?", kv.App, kv.Key).
		Limit(1).Find(&kv).Error
	if err != nil {
		return 0
	}

	cur = kv.Val
	kv.ID = 0 // upsert on (app, key), never on the read-back primary key
	kv.Val = cur + 1

	err = w.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "app"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"val"}),
	}).Create(&kv).Error
	if err != nil {
		logger.Errorf("%s persist cursor %s failed with err:%s", w.Name, kv.Key, err)
	}

	return
}
