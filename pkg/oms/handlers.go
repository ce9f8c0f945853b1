package oms

import (
	"fmt"
	"strings"

	"oems/pkg/events"
	"oems/pkg/journal"
	"oems/pkg/model"
	"oems/pkg/queue"
	"oems/pkg/routing"
	"oems/pkg/ticket"
)

// handleCreate processes a structured creation request. The API layer has
// already inserted the ticket row; the message carries the request fields.
// Validation failure is terminal, routing decides venue and RFQ strategy,
// and an approval-gated ticket is parked locally instead of assigned.
func (w *Worker) handleCreate(msg model.QueueMsg) (err error) {
	var row model.Ticket
	err = w.db.Model(model.Ticket{}).Where("ticket_id = ?", msg.UID).Limit(1).Find(&row).Error
	if err != nil {
		return
	}
	if row.ID == 0 {
		return fmt.Errorf("no ticket row for uid %s", msg.UID)
	}
	if msg.ID <= row.LastMessageID {
		// duplicate delivery, already processed
		return
	}

	t := ticket.Wrap(row)
	t.Import(msg.Data)
	t.SetLastMessageID(msg.ID)
	t.SetOMSOwner(w.Name)

	req := createReq(t)
	if verr := routing.Validate(req, w.cal); verr != nil {
		w.transition(t, ticket.StateFailed, "validation: "+verr.Error())
		if err = t.Save(w.db); err != nil {
			return
		}
		w.dispatch(t, events.EvTicketUpdated)
		return
	}

	prof, perr := w.profiles.Get(t.Company())
	if perr != nil {
		w.transition(t, ticket.StateFailed, "profile: "+perr.Error())
		if err = t.Save(w.db); err != nil {
			return
		}
		w.dispatch(t, events.EvTicketUpdated)
		return
	}

	rt, rerr := routing.Pick(prof, req.Pair(), t.Tenor(), t.Amount())
	if rerr != nil {
		w.transition(t, ticket.StateFailed, "routing: "+rerr.Error())
		if err = t.Save(w.db); err != nil {
			return
		}
		w.dispatch(t, events.EvTicketUpdated)
		return
	}
	if rt.RFQType == routing.RFQUnsupported {
		// forward on a non-forward pair, rejected at creation rather than
		// bounced around the pool
		w.transition(t, ticket.StateFailed, "pair not forward-tradable")
		if err = t.Save(w.db); err != nil {
			return
		}
		w.dispatch(t, events.EvTicketUpdated)
		return
	}

	t.SetVenue(rt.Venue)
	t.SetRFQType(rt.RFQType)

	if rt.NeedsApproval {
		ok, approvers, aerr := w.appr.Check(t.Company(), t.Amount())
		if aerr != nil {
			return aerr
		}
		if !ok {
			w.transition(t, ticket.StatePendAuth, "awaiting approval by "+strings.Join(approvers, ","))
			if err = t.Save(w.db); err != nil {
				return
			}
			w.dispatch(t, events.EvTicketCreated)
			w.pending[t.TicketID()] = t
			return
		}
	}

	if err = t.Save(w.db); err != nil {
		return
	}
	w.dispatch(t, events.EvTicketCreated)
	w.assign(t)
	return
}

// handleUpdate applies an API-originated amendment. A ticket already claimed
// by an EMS gets the message forwarded to its instance topic so the single
// writer stays single.
func (w *Worker) handleUpdate(msg model.QueueMsg) (err error) {
	row, err := w.loadRow(msg.UID)
	if err != nil {
		return
	}
	if msg.ID <= row.LastMessageID {
		return
	}

	if row.EMSOwner != "" {
		_, err = w.q.Enqueue(queue.TopicEMS(row.EMSOwner), msg.Data, queue.ActionUpdate, w.Name, msg.UID)
		return
	}

	t := ticket.Wrap(row)
	t.Import(msg.Data)
	t.SetLastMessageID(msg.ID)
	if err = t.Save(w.db); err != nil {
		return
	}
	w.dispatch(t, events.EvTicketUpdated)
	return
}

// handleCancel serves two message flavors on the same action: an
// API-originated cancel request, and an EMS completion notice for a ticket
// it just canceled. The source tells them apart.
func (w *Worker) handleCancel(msg model.QueueMsg) (err error) {
	if strings.HasPrefix(msg.Source, "EMS") {
		return w.completeCancel(msg)
	}

	row, err := w.loadRow(msg.UID)
	if err != nil {
		return
	}
	if msg.ID <= row.LastMessageID {
		return w.q.DelQueue(msg.ID)
	}

	if row.EMSOwner != "" {
		// the owning EMS decides and responds on its own copy of the request
		if _, err = w.q.Enqueue(queue.TopicEMS(row.EMSOwner), msg.Data, queue.ActionCancel, msg.Source, msg.UID); err != nil {
			return
		}
		return w.q.RespQueue(msg.ID, model.GormMap{"result": "FORWARDED"})
	}

	t := ticket.Wrap(row)
	t.SetLastMessageID(msg.ID)
	delete(w.pending, msg.UID)

	from := t.InternalState()
	if ticket.ApplyCancel(t) {
		w.recordTransition(t, from, "cancel by "+msg.Source)
		if err = t.Save(w.db); err != nil {
			return
		}
		w.dispatch(t, events.EvTicketCanceled)
		return w.q.RespQueue(msg.ID, model.GormMap{"result": ticket.StateCanceled})
	}

	if err = t.Save(w.db); err != nil {
		return
	}
	return w.q.RespQueue(msg.ID, model.GormMap{"result": queue.ActionCancelReject})
}

// completeCancel acknowledges an EMS cancel completion. The EMS already
// moved the state and fired the lifecycle event; the OMS just retires its
// copy of the notice.
func (w *Worker) completeCancel(msg model.QueueMsg) (err error) {
	logger.Infof("%s ticket %s canceled by %s", w.Name, msg.UID, msg.Source)
	return w.q.DelQueue(msg.ID)
}

// handleStatus consumes an EMS progress notice (ACCEPT) and relays it to the
// company's webhooks.
func (w *Worker) handleStatus(msg model.QueueMsg) (err error) {
	company := asCompany(msg.Data)
	if derr := w.disp.DispatchEvent(company, events.EvTicketUpdated, msg.Data.V()); derr != nil {
		logger.Errorf("%s webhook uid:%s failed with err:%s", w.Name, msg.UID, derr)
	}
	return
}

// handleCancelReject relays an EMS cancel rejection to the webhooks. The
// customer-facing state carries CANCELREJECT until the EMS restores it.
func (w *Worker) handleCancelReject(msg model.QueueMsg) (err error) {
	company := asCompany(msg.Data)
	if derr := w.disp.DispatchEvent(company, events.EvTicketUpdated, msg.Data.V()); derr != nil {
		logger.Errorf("%s webhook uid:%s failed with err:%s", w.Name, msg.UID, derr)
	}
	return
}

// handleCompletion settles the OMS side of an EMS terminal release. A filled
// ticket with a future value date stays open as DONE_PENDSETTLE until the
// settlement sweep closes it; every other disposition is relayed as-is.
func (w *Worker) handleCompletion(msg model.QueueMsg) (err error) {
	row, err := w.loadRow(msg.UID)
	if err != nil {
		return
	}

	t := ticket.Wrap(row)
	t.SetLastMessageID(msg.ID)

	if msg.Action == ticket.StateDone {
		vd := row.ValueDate.Time()
		if !vd.IsZero() && vd.After(w.now()) {
			w.transition(t, ticket.StateDonePendSettle, "awaiting value date")
		}
		return t.Save(w.db)
	}

	if err = t.Save(w.db); err != nil {
		return
	}
	w.dispatch(t, events.EvTicketUpdated)
	return
}

func (w *Worker) loadRow(uid string) (row model.Ticket, err error) {
	err = w.db.Model(model.Ticket{}).Where("ticket_id = ?", uid).Limit(1).Find(&row).Error
	if err != nil {
		return
	}
	if row.ID == 0 {
		err = fmt.Errorf("no ticket row for uid %s", uid)
	}
	return
}

func createReq(t *ticket.Ticket) routing.CreateReq {
	row := t.Row()
	return routing.CreateReq{
		Company:   row.Company,
		Trader:    row.Trader,
		BuyCcy:    row.BuyCcy,
		SellCcy:   row.SellCcy,
		Amount:    row.Amount,
		LockSide:  row.LockSide,
		Tenor:     row.Tenor,
		ValueDate: row.ValueDate.Time(),
		Action:    row.Action,
		Strategy:  row.Strategy,
	}
}

func asCompany(m model.GormMap) int64 {
	switch n := m["company"].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

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
		ev := journal.Event{
			Ticket: t.TicketID(),
			Actor:  w.Name,
			From:   from,
			To:     state,
			Note:   note,
		}
		if err := w.jnl.Record(ev); err != nil {
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

func (w *Worker) dispatch(t *ticket.Ticket, eventType string) {
	if err := w.disp.DispatchEvent(t.Company(), eventType, t.Export().V()); err != nil {
		logger.Errorf("%s webhook %s uid:%s failed with err:%s", w.Name, eventType, t.TicketID(), err)
	}
}
