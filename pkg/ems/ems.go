// Package ems is the execution-management engine. One Worker owns a bounded
// set of tickets, drives each through its work states against one venue, and
// hands ownership back to the order manager on completion, error,
// cancellation or expiry.
//
// Single-threaded cooperative polling: one cycle drains the inbound queue
// topics, sweeps the owned tickets, then persists accumulated dirty state.
// Concurrency across the system comes from running more instances, each
// under its own exclusive lease.
package ems

import (
	"context"
	"time"

	"oems/pkg/events"
	"oems/pkg/info"
	"oems/pkg/journal"
	"oems/pkg/model"
	"oems/pkg/queue"
	"oems/pkg/ticket"
	"oems/pkg/xetcd"
	"oems/pkg/xlog"

	"github.com/go-redis/redis/v8"
	"github.com/google/btree"
	"gorm.io/gorm"
)

var logger = xlog.GetLogger()

type Options struct {
	ID    string // logical instance id, e.g. "01"
	Venue Venue
	DB    *gorm.DB

	Dispatcher events.Dispatcher
	Notifier   events.Notifier
	Bus        *events.Bus
	Journal    *journal.Journal
	Redis      *redis.Client

	Batch         int
	Timeout       time.Duration
	ReminderEvery time.Duration
	LeaseTTL      int64
	Regen         bool // skip the recovery reload on startup

	Now func() time.Time // clock override, tests only
}

// Worker is one EMS instance.
type Worker struct {
	Name  string // e.g. EMS_GENERIC_01
	State string

	db    *gorm.DB
	q     *queue.Queue
	venue Venue

	disp events.Dispatcher
	noti events.Notifier
	bus  *events.Bus
	jnl  *journal.Journal
	rds  *redis.Client

	tickets map[string]*ticket.Ticket // uid -> owned ticket
	sched   *btree.BTree              // sweep order by next-check time
	schedAt map[string]time.Time      // uid -> the key actually in sched

	active bool // still accepting class-wide work (false while draining)

	batch         int
	timeout       time.Duration
	reminderEvery time.Duration
	leaseTTL      int64
	regen         bool

	remindAt map[string]time.Time
	actions  map[string]func(*Worker, model.QueueMsg) error

	now  func() time.Time
	stop chan struct{}
}

type schedItem struct {
	at  time.Time
	uid string
}

func (a schedItem) Less(b btree.Item) bool {
	o := b.(schedItem)
	if !a.at.Equal(o.at) {
		return a.at.Before(o.at)
	}
	return a.uid < o.uid
}

// New returns a Worker instance and builds its dispatch table. The dispatch
// table is fixed at construction, there is no runtime registration.
func New(opts Options) (w *Worker, err error) {
	if opts.Batch <= 0 {
		opts.Batch = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.ReminderEvery <= 0 {
		opts.ReminderEvery = 15 * time.Minute
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
		Name:  info.ComposeName("EMS", opts.Venue.Name(), opts.ID),
		State: "Init",

		db:    opts.DB,
		q:     queue.New(opts.DB),
		venue: opts.Venue,

		disp: opts.Dispatcher,
		noti: opts.Notifier,
		bus:  opts.Bus,
		jnl:  opts.Journal,
		rds:  opts.Redis,

		tickets: map[string]*ticket.Ticket{},
		sched:   btree.New(2),
		schedAt: map[string]time.Time{},
		active:  true,

		batch:         opts.Batch,
		timeout:       opts.Timeout,
		reminderEvery: opts.ReminderEvery,
		leaseTTL:      opts.LeaseTTL,
		regen:         opts.Regen,

		remindAt: map[string]time.Time{},

		now:  opts.Now,
		stop: make(chan struct{}),
	}

	w.actions = map[string]func(*Worker, model.QueueMsg) error{
		queue.ActionCreate: (*Worker).handleCreate,
		queue.ActionUpdate: (*Worker).handleUpdate,
		queue.ActionCancel: (*Worker).handleCancel,
	}

	logger.Infof("ems worker %s created for venue %s", w.Name, w.venue.Name())
	return
}

// Run acquires the exclusive process lease (fatal on failure), recovers the
// tickets this instance owned before a restart, then enters the main loop
// until Stop is called.
func (w *Worker) Run() (err error) {
	release, err := xetcd.AcquireLease(w.Name, w.leaseTTL)
	if err != nil {
		logger.Errorf("%s lease acquisition failed, refusing to run un-leased: %s", w.Name, err)
		return
	}
	defer release()

	if !w.regen {
		w.State = "Recovering"
		err = w.Recover()
		if err != nil {
			return
		}
	}

	w.State = "Working"
	for {
		select {
		case <-w.stop:
			w.drain()
			return nil
		default:
		}

		busy := w.Cycle()
		if !busy {
			time.Sleep(w.timeout)
		}
	}
}

// Stop asks the main loop to drain and exit.
func (w *Worker) Stop() {
	close(w.stop)
}

// Recover loads every ticket the store still marks as owned by this instance
// and replays each one's backlog from its watermark, so a restart resumes
// exactly where the crash left off without reprocessing applied messages.
func (w *Worker) Recover() (err error) {
	defer func() {
		if err != nil {
			logger.Errorf("%s Recover failed with err:%s", w.Name, err)
		} else {
			logger.Infof("%s Recover done with tickets:%d", w.Name, len(w.tickets))
		}
	}()

	var rows []model.Ticket
	err = w.db.Model(model.Ticket{}).Where("ems_owner = ?", w.Name).Find(&rows).Error
	if err != nil {
		return
	}

	for _, row := range rows {
		t := ticket.Wrap(row)
		w.adopt(t)

		msgs, rerr := w.q.Replay(queue.TopicEMS(w.Name), t.LastMessageID(), t.TicketID())
		if rerr != nil {
			// abandoned for this startup, the backlog stays queued
			continue
		}
		for _, msg := range msgs {
			w.applyReplay(t, msg)
		}
	}

	return
}

func (w *Worker) applyReplay(t *ticket.Ticket, msg model.QueueMsg) {
	if msg.ID <= t.LastMessageID() {
		return
	}

	switch msg.Action {
	case queue.ActionCreate:
		// already owned, re-apply the payload only
		t.Import(msg.Data)
		t.SetLastMessageID(msg.ID)
	case queue.ActionUpdate:
		if err := t.Reload(w.db); err != nil {
			return
		}
		t.SetLastMessageID(msg.ID)
	case queue.ActionCancel:
		t.SetLastMessageID(msg.ID)
		w.applyCancel(t, msg)
		_ = t.Save(w.db)
		// responded in applyCancel, stays for the originator
		return
	default:
		logger.Warningf("%s replay: no handler for action %s, discarding msg:%d", w.Name, msg.Action, msg.ID)
	}

	if err := t.Save(w.db); err != nil {
		return
	}
	_ = w.q.DelQueue(msg.ID)
}

// Cycle runs one engine iteration: queue intake, ticket sweep, housekeeping.
// Returns true when it processed anything, so the caller can skip the sleep.
func (w *Worker) Cycle() (busy bool) {
	busy = w.intake() > 0
	if w.sweep() > 0 {
		busy = true
	}
	w.housekeep()
	return
}

// intake drains a batch from the instance topic, then, only while still
// accepting new work, from the class-wide topic.
func (w *Worker) intake() (handled int) {
	handled += w.drainTopic(queue.TopicEMS(w.Name))
	if w.active {
		handled += w.drainTopic(queue.TopicEMSClass(w.venue.Name()))
	}
	return
}

func (w *Worker) drainTopic(topic string) (handled int) {
	msgs, err := w.q.Dequeue(topic, w.batch)
	if err != nil {
		// abort this cycle's intake, next cycle retries
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
			if err == errLostClaim {
				// another instance owns the ticket; it applies and
				// acknowledges this message, not us
				continue
			}
			logger.Errorf("%s handle %s msg:%d failed with err:%s", w.Name, msg.Action, msg.ID, err)
			continue
		}

		handled++
		if msg.Action != queue.ActionCancel {
			// cancel responses stay queued for the originator
			_ = w.q.DelQueue(msg.ID)
		}
	}

	return
}

// sweep runs the state machine for every owned ticket whose re-check time
// has arrived.
func (w *Worker) sweep() (swept int) {
	now := w.now()

	var due []schedItem
	w.sched.AscendLessThan(schedItem{at: now.Add(time.Nanosecond)}, func(it btree.Item) bool {
		due = append(due, it.(schedItem))
		return true
	})

	for _, it := range due {
		w.sched.Delete(it)
		if at, ok := w.schedAt[it.uid]; ok && at.Equal(it.at) {
			delete(w.schedAt, it.uid)
		}

		t, ok := w.tickets[it.uid]
		if !ok || t.Removed {
			continue
		}

		w.sweepTicket(t)
		if !t.Removed {
			w.schedule(t)
		}
		swept++
	}

	return
}

// sweepTicket advances one ticket. Expiry is checked first, unconditionally,
// and takes precedence over all state-specific handling.
func (w *Worker) sweepTicket(t *ticket.Ticket) {
	now := w.now()
	state := t.InternalState()

	if ticket.IsEMSTerminal(state) {
		w.release(t, state)
		return
	}

	if t.Expired(now) {
		w.transition(t, ticket.StateExpired, "deadline passed")
		w.release(t, ticket.StateExpired)
		return
	}

	switch {
	case state == ticket.StateAccepted:
		w.evalAccepted(t)

	case state == ticket.StatePendRFQ:
		w.evalPendRFQ(t)

	case ticket.IsWorking(state):
		w.evalWorking(t)

	case state == ticket.StateRFQDone:
		// waiting for the customer to act on the quote; expiry above is
		// the only way out of this state from the EMS side
		t.NextCheck = now.Add(w.timeout)

	case state == ticket.StateWaiting || state == ticket.StateScheduled:
		t.NextCheck = now.Add(w.timeout)

	default:
		// gate states (PENDAUTH, PENDMARGIN, ...) are owned by the OMS;
		// nothing for the EMS to do but wait
		t.NextCheck = now.Add(w.timeout)
	}
}

func (w *Worker) evalAccepted(t *ticket.Ticket) {
	ok, err := w.venue.DoAccept(t)
	if err != nil {
		w.transition(t, ticket.StateError, "venue accept: "+err.Error())
		w.release(t, ticket.StateError)
		return
	}
	if !ok {
		// venue not ready (session closed etc), try again later
		t.NextCheck = w.now().Add(w.timeout)
		return
	}

	if t.Action() == ticket.ActionRFQ {
		// quoting happens in PEND_RFQ, automatically for api RFQ types,
		// by a human operator otherwise
		w.transition(t, ticket.StatePendRFQ, "quote requested")
		w.notifyOMS(t, queue.ActionAccept)
		return
	}

	w.transition(t, ticket.StateWorking, "accepted by "+w.venue.Name())
	w.notifyOMS(t, queue.ActionAccept)
}

func (w *Worker) evalPendRFQ(t *ticket.Ticket) {
	if t.RFQType() != "api" {
		// manual sub-state: no auto-advance, keep nudging a human
		w.maybeRemind(t)
		t.NextCheck = w.now().Add(w.timeout)
		return
	}

	err := w.venue.Quote(t)
	if err != nil {
		logger.Errorf("%s quote uid:%s failed with err:%s", w.Name, t.TicketID(), err)
		t.NextCheck = w.now().Add(w.timeout)
		return
	}

	w.transition(t, ticket.StateRFQDone, "quote "+t.Row().QuoteID)
	w.notifyOMS(t, queue.ActionAccept)
}

func (w *Worker) evalWorking(t *ticket.Ticket) {
	done, err := w.venue.CheckDone(t)
	if err != nil {
		w.transition(t, ticket.StateError, "venue: "+err.Error())
		w.release(t, ticket.StateError)
		return
	}
	if !done {
		t.NextCheck = w.now().Add(w.timeout)
		return
	}

	w.transition(t, ticket.StateDone, "filled by "+w.venue.Name())
	w.dispatch(t, events.EvTradeConfirm)
	if err := w.noti.Confirm(t.Company(), t.TicketID(), t.Export().V()); err != nil {
		logger.Errorf("%s confirm uid:%s failed with err:%s", w.Name, t.TicketID(), err)
	}
	w.release(t, ticket.StateDone)
}

// maybeRemind re-notifies a human operator about a pending manual quote, at
// most once per reminder interval. Redis backs the throttle across restarts
// when available, failures never interrupt the sweep.
func (w *Worker) maybeRemind(t *ticket.Ticket) {
	now := w.now()
	uid := t.TicketID()

	if last, ok := w.remindAt[uid]; ok && now.Sub(last) < w.reminderEvery {
		return
	}

	if w.rds != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		set, err := w.rds.SetNX(ctx, "ticket:"+uid+":remind", w.Name, w.reminderEvery).Result()
		cancel()
		if err != nil {
			logger.Errorf("%s reminder throttle uid:%s failed with err:%s", w.Name, uid, err)
		} else if !set {
			w.remindAt[uid] = now
			return
		}
	}

	if err := w.noti.Remind(t.Company(), uid, "manual quote pending"); err != nil {
		logger.Errorf("%s remind uid:%s failed with err:%s", w.Name, uid, err)
	}
	w.remindAt[uid] = now
}

// housekeep purges removed tickets from local memory and persists any
// accumulated dirty state.
func (w *Worker) housekeep() {
	for uid, t := range w.tickets {
		if t.Removed {
			w.unschedule(uid)
			delete(w.tickets, uid)
			delete(w.remindAt, uid)
			continue
		}

		if t.Dirty() {
			// a failed save keeps the dirty set, the next cycle retries
			_ = t.Save(w.db)
		}
	}
}

// drain stops class-wide intake, flushes dirty state and logs what is left
// behind. Owned tickets stay marked in the store, the next start of this
// instance recovers them.
func (w *Worker) drain() {
	w.active = false
	w.State = "Draining"

	w.housekeep()
	logger.Infof("%s drained, still owning %d tickets", w.Name, len(w.tickets))
}

// Owned reports whether this instance currently holds the ticket. Test hook.
func (w *Worker) Owned(uid string) bool {
	t, ok := w.tickets[uid]
	return ok && !t.Removed
}

// SchedLen reports the size of the sweep index. Test hook.
func (w *Worker) SchedLen() int {
	return w.sched.Len()
}
