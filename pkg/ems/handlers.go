package ems

import (
	"errors"
	"fmt"

	"oems/pkg/events"
	"oems/pkg/journal"
	"oems/pkg/model"
	"oems/pkg/queue"
	"oems/pkg/ticket"
)

// errLostClaim marks a CREATE whose ownership race went to another instance.
// The loser must leave the message queued: only the applier acknowledges.
var errLostClaim = errors.New("ticket claimed by another instance")

func journalEvent(actor string, t *ticket.Ticket, from, to, note string) journal.Event {
	return journal.Event{
		Ticket: t.TicketID(),
		Actor:  actor,
		From:   from,
		To:     to,
		Note:   note,
	}
}

// handleCreate claims a new ticket: take ownership, import the payload,
// watermark the message, then run one state-machine cycle immediately so
// fresh work does not wait for the next sweep.
func (w *Worker) handleCreate(msg model.QueueMsg) (err error) {
	if t, ok := w.tickets[msg.UID]; ok {
		// duplicate delivery for a ticket we already hold
		t.SetLastMessageID(msg.ID)
		return
	}

	// the ownership claim is conditional so two instances draining the
	// class-wide topic cannot both win
	res := w.db.Model(&model.Ticket{}).
		Where("ticket_id = ? AND (ems_owner = '' OR ems_owner = ?)", msg.UID, w.Name).
		Update("ems_owner", w.Name)
	if res.Error != nil {
		return res.Error
	}
	var row model.Ticket
	err = w.db.Model(model.Ticket{}).Where("ticket_id = ?", msg.UID).Limit(1).Find(&row).Error
	if err != nil {
		return
	}
	if row.ID == 0 {
		return fmt.Errorf("no ticket row for uid %s", msg.UID)
	}
	if res.RowsAffected == 0 && row.EMSOwner != w.Name {
		// zero affected rows alone does not decide the race: mysql also
		// reports zero when the store already names us from a retry after
		// a mid-claim failure, so the recorded owner settles it
		logger.Warningf("%s lost claim for uid:%s, leaving msg:%d for %s", w.Name, msg.UID, msg.ID, row.EMSOwner)
		return errLostClaim
	}

	t := ticket.Wrap(row)
	t.Import(msg.Data)
	t.SetLastMessageID(msg.ID)

	if st := t.InternalState(); st == ticket.StateNew || st == ticket.StateDraft {
		w.transition(t, ticket.StateAccepted, "claimed")
	}

	if err = t.Save(w.db); err != nil {
		return
	}

	w.adopt(t)
	w.sweepTicket(t)
	if !t.Removed {
		w.schedule(t)
	}
	return
}

// handleUpdate re-syncs an already-owned ticket from the store and advances
// its watermark. An update on a booked ticket is a mark-to-market refresh.
func (w *Worker) handleUpdate(msg model.QueueMsg) (err error) {
	t, ok := w.tickets[msg.UID]
	if !ok {
		logger.Warningf("%s UPDATE for unowned uid:%s, discarding msg:%d", w.Name, msg.UID, msg.ID)
		return
	}
	if msg.ID <= t.LastMessageID() {
		return
	}

	wasBooked := t.InternalState() == ticket.StateBooked
	oldRate := t.Rate()

	if err = t.Reload(w.db); err != nil {
		return
	}
	t.SetLastMessageID(msg.ID)
	if err = t.Save(w.db); err != nil {
		return
	}

	if wasBooked && !t.Rate().Equal(oldRate) {
		w.dispatch(t, events.EvTradeMTM)
	}

	w.sweepTicket(t)
	if !t.Removed {
		w.schedule(t)
	}
	return
}

// handleCancel applies the cancellation transition and records the
// disposition on the message itself, which doubles as the acknowledgement:
// a responded message leaves the pending set but stays readable for the
// originator.
func (w *Worker) handleCancel(msg model.QueueMsg) (err error) {
	t, ok := w.tickets[msg.UID]
	if !ok {
		logger.Warningf("%s CANCEL for unowned uid:%s, rejecting msg:%d", w.Name, msg.UID, msg.ID)
		return w.q.RespQueue(msg.ID, model.GormMap{"result": queue.ActionCancelReject})
	}
	if msg.ID <= t.LastMessageID() {
		// already applied before a restart, drop it from the pending set
		return w.q.DelQueue(msg.ID)
	}

	if err = t.Reload(w.db); err != nil {
		return
	}
	t.SetLastMessageID(msg.ID)

	w.applyCancel(t, msg)
	return t.Save(w.db)
}

func (w *Worker) applyCancel(t *ticket.Ticket, msg model.QueueMsg) {
	from := t.InternalState()
	if ticket.ApplyCancel(t) {
		w.recordTransition(t, from, "cancel by "+msg.Source)
		w.dispatch(t, events.EvTicketCanceled)
		_ = w.q.RespQueue(msg.ID, model.GormMap{"result": ticket.StateCanceled})
		w.release(t, queue.ActionCancel)
		return
	}

	// not cancellable here: reject, restore the customer-facing state and
	// tell the originator; ownership is retained
	_ = w.q.RespQueue(msg.ID, model.GormMap{"result": queue.ActionCancelReject})
	_, _ = w.q.Enqueue(queue.TopicOMS(t.OMSOwner()), t.Export(),
		queue.ActionCancelReject, w.Name, t.TicketID())
}

// transition moves the internal state, records the lifecycle event and fires
// the state-change bus.
func (w *Worker) transition(t *ticket.Ticket, state, note string) {
	from := t.InternalState()
	if from == state {
		return
	}

	t.SetInternalState(state)
	w.recordTransition(t, from, note)
}

func (w *Worker) recordTransition(t *ticket.Ticket, from, note string) {
	state := t.InternalState()
	logger.Infof("%s ticket %s %s -> %s (%s)", w.Name, t.TicketID(), from, state, note)

	if w.jnl != nil {
		if err := w.jnl.Record(journalEvent(w.Name, t, from, state, note)); err != nil {
			logger.Errorf("%s journal uid:%s failed with err:%s", w.Name, t.TicketID(), err)
		}
	}

	w.bus.Emit(events.StateChange{
		TicketID: t.TicketID(),
		Company:  t.Company(),
		Actor:    w.Name,
		From:     from,
		To:       state,
		External: t.ExternalState(),
		At:       w.now(),
	})
}

// release clears EMS ownership, persists, and enqueues exactly one
// completion notice to the owning OMS. The ticket is then dropped from local
// memory, never deleted from the store.
func (w *Worker) release(t *ticket.Ticket, action string) {
	if t.EMSOwner() != "" {
		t.SetEMSOwner("")
		if err := t.Save(w.db); err != nil {
			// ownership still recorded in the store, retried next sweep
			return
		}
	}

	_, err := w.q.Enqueue(queue.TopicOMS(t.OMSOwner()), t.Export(), action, w.Name, t.TicketID())
	if err != nil {
		// keep the ticket so the next sweep retries the notice
		return
	}

	t.Removed = true
}

func (w *Worker) notifyOMS(t *ticket.Ticket, action string) {
	if _, err := w.q.Enqueue(queue.TopicOMS(t.OMSOwner()), t.Export(), action, w.Name, t.TicketID()); err != nil {
		logger.Errorf("%s notify oms uid:%s action:%s failed with err:%s", w.Name, t.TicketID(), action, err)
	}
}

func (w *Worker) dispatch(t *ticket.Ticket, eventType string) {
	if err := w.disp.DispatchEvent(t.Company(), eventType, t.Export().V()); err != nil {
		logger.Errorf("%s webhook %s uid:%s failed with err:%s", w.Name, eventType, t.TicketID(), err)
	}
}

func (w *Worker) adopt(t *ticket.Ticket) {
	t.NextCheck = w.now()
	w.tickets[t.TicketID()] = t
	w.schedule(t)
}

// schedule (re)indexes the ticket at its NextCheck time, dropping the entry
// previously recorded for it. NextCheck moves outside sweeps too, so the
// index key is tracked per uid rather than recomputed from the ticket.
func (w *Worker) schedule(t *ticket.Ticket) {
	uid := t.TicketID()
	w.unschedule(uid)
	w.sched.ReplaceOrInsert(schedItem{at: t.NextCheck, uid: uid})
	w.schedAt[uid] = t.NextCheck
}

func (w *Worker) unschedule(uid string) {
	if at, ok := w.schedAt[uid]; ok {
		w.sched.Delete(schedItem{at: at, uid: uid})
		delete(w.schedAt, uid)
	}
}
