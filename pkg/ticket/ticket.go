// Package ticket is the unit-of-work record of the engine plus its state
// machine vocabulary. A Ticket wraps the persisted row with a changed-field
// set so a save only writes the columns touched since the last persist.
// Mutation goes through setters only, the row itself is never handed out
// mutable.
package ticket

import (
	"time"

	"oems/pkg/model"
	"oems/pkg/xlog"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var logger = xlog.GetLogger()

type Ticket struct {
	row   model.Ticket
	dirty map[string]bool // column name -> changed since last save

	// NextCheck schedules the next sweep evaluation, in-memory only.
	NextCheck time.Time
	// Removed marks the ticket for purge from the owner's local set.
	Removed bool
}

// Wrap takes ownership of a loaded row.
func Wrap(row model.Ticket) *Ticket {
	return &Ticket{
		row:   row,
		dirty: map[string]bool{},
	}
}

// Row returns a copy of the underlying row.
func (t *Ticket) Row() model.Ticket {
	return t.row
}

func (t *Ticket) ID() int64             { return t.row.ID }
func (t *Ticket) TicketID() string      { return t.row.TicketID }
func (t *Ticket) InternalState() string { return t.row.InternalState }
func (t *Ticket) ExternalState() string { return t.row.ExternalState }
func (t *Ticket) Phase() string         { return t.row.Phase }
func (t *Ticket) Action() string        { return t.row.Action }
func (t *Ticket) EMSOwner() string      { return t.row.EMSOwner }
func (t *Ticket) OMSOwner() string      { return t.row.OMSOwner }
func (t *Ticket) LastMessageID() int64  { return t.row.LastMessageID }
func (t *Ticket) Company() int64        { return t.row.Company }
func (t *Ticket) Strategy() string      { return t.row.Strategy }
func (t *Ticket) RFQType() string       { return t.row.RFQType }
func (t *Ticket) Venue() string         { return t.row.Venue }
func (t *Ticket) Tenor() string         { return t.row.Tenor }

func (t *Ticket) Rate() decimal.Decimal   { return t.row.Rate }
func (t *Ticket) Amount() decimal.Decimal { return t.row.Amount }

func (t *Ticket) EndTime() time.Time     { return t.row.EndTime.Time() }
func (t *Ticket) QuoteExpiry() time.Time { return t.row.QuoteExpiry.Time() }

func (t *Ticket) mark(col string) {
	if t.dirty == nil {
		t.dirty = map[string]bool{}
	}
	t.dirty[col] = true
}

// Dirty reports whether any field changed since the last save.
func (t *Ticket) Dirty() bool {
	return len(t.dirty) > 0
}

// SetInternalState moves the internal state and re-derives the external
// projection. It does not validate the transition, that is the engine's job.
func (t *Ticket) SetInternalState(state string) {
	if t.row.InternalState == state {
		return
	}
	t.row.InternalState = state
	t.mark("internal_state")
	t.SetExternalState(ExternalFor(state))
}

// SetExternalState overrides the external projection, used for the
// CANCELREJECT restore where internal state is untouched.
func (t *Ticket) SetExternalState(state string) {
	if t.row.ExternalState == state {
		return
	}
	t.row.ExternalState = state
	t.mark("external_state")
}

func (t *Ticket) SetPhase(phase string) {
	t.row.Phase = phase
	t.mark("phase")
}

func (t *Ticket) SetEMSOwner(owner string) {
	t.row.EMSOwner = owner
	t.mark("ems_owner")
}

func (t *Ticket) SetOMSOwner(owner string) {
	t.row.OMSOwner = owner
	t.mark("oms_owner")
}

func (t *Ticket) SetLastMessageID(id int64) {
	if id <= t.row.LastMessageID {
		return
	}
	t.row.LastMessageID = id
	t.mark("last_message_id")
}

func (t *Ticket) SetVenue(venue string) {
	t.row.Venue = venue
	t.mark("venue")
}

func (t *Ticket) SetRFQType(rfqType string) {
	t.row.RFQType = rfqType
	t.mark("rfq_type")
}

func (t *Ticket) SetQuote(quoteID string, rate, spotRate, fwdPoints decimal.Decimal, expiry time.Time) {
	t.row.QuoteID = quoteID
	t.row.Rate = rate
	t.row.SpotRate = spotRate
	t.row.FwdPoints = fwdPoints
	t.row.QuoteExpiry = model.GormTime(expiry)
	t.mark("quote_id")
	t.mark("rate")
	t.mark("spot_rate")
	t.mark("fwd_points")
	t.mark("quote_expiry")
}

func (t *Ticket) SetEndTime(end time.Time) {
	t.row.EndTime = model.GormTime(end)
	t.mark("end_time")
}

// Expired reports whether the ticket must transition to EXPIRED. Checked
// before any other work-state logic on every sweep.
func (t *Ticket) Expired(now time.Time) bool {
	if t.row.InternalState == StateExpired {
		return true
	}
	end := t.row.EndTime.Time()
	if !end.IsZero() && end.Before(now) {
		return true
	}
	qe := t.row.QuoteExpiry.Time()
	if !qe.IsZero() && qe.Before(now) && t.row.InternalState == StateRFQDone {
		return true
	}
	return false
}

// Save persists the dirty columns only and clears the changed set. A store
// error leaves the set intact so the next cycle retries with the same state.
func (t *Ticket) Save(db *gorm.DB) (err error) {
	if len(t.dirty) == 0 {
		return
	}

	cols := make([]string, 0, len(t.dirty))
	for col := range t.dirty {
		cols = append(cols, col)
	}

	err = db.Model(&model.Ticket{}).
		Where("id = ?", t.row.ID).
		Select(cols).
		Updates(t.row).Error
	if err != nil {
		logger.Errorf("ticket save uid:%s cols:%v failed with err:%s", t.row.TicketID, cols, err)
		return
	}

	t.dirty = map[string]bool{}
	return
}

// Reload re-reads the row from the store, dropping local unsaved changes.
// Used when an UPDATE message tells the owner the store copy moved.
func (t *Ticket) Reload(db *gorm.DB) (err error) {
	var row model.Ticket
	err = db.Model(model.Ticket{}).Where("id = ?", t.row.ID).Limit(1).Find(&row).Error
	if err != nil {
		logger.Errorf("ticket reload uid:%s failed with err:%s", t.row.TicketID, err)
		return
	}

	t.row = row
	t.dirty = map[string]bool{}
	return
}

// Export serializes the ticket's field map for a queue message payload.
func (t *Ticket) Export() model.GormMap {
	return model.GormMap{
		"ticket_id":       t.row.TicketID,
		"internal_state":  t.row.InternalState,
		"external_state":  t.row.ExternalState,
		"phase":           t.row.Phase,
		"action":          t.row.Action,
		"ems_owner":       t.row.EMSOwner,
		"oms_owner":       t.row.OMSOwner,
		"last_message_id": t.row.LastMessageID,
		"company":         t.row.Company,
		"trader":          t.row.Trader,
		"buy_ccy":         t.row.BuyCcy,
		"sell_ccy":        t.row.SellCcy,
		"amount":          t.row.Amount.String(),
		"lock_side":       t.row.LockSide,
		"value_date":      timeOut(t.row.ValueDate),
		"tenor":           t.row.Tenor,
		"strategy":        t.row.Strategy,
		"rfq_type":        t.row.RFQType,
		"venue":           t.row.Venue,
		"rate":            t.row.Rate.String(),
		"spot_rate":       t.row.SpotRate.String(),
		"fwd_points":      t.row.FwdPoints.String(),
		"quote_id":        t.row.QuoteID,
		"quote_expiry":    timeOut(t.row.QuoteExpiry),
		"end_time":        timeOut(t.row.EndTime),
		"cashflow_id":     t.row.CashflowID,
	}
}

// Import applies an exported field map onto the ticket, marking every
// present field dirty. Identity fields (id, ticket_id) are never imported.
func (t *Ticket) Import(m model.GormMap) {
	for k, v := range m {
		switch k {
		case "internal_state":
			t.SetInternalState(asStr(v))
		case "external_state":
			t.SetExternalState(asStr(v))
		case "phase":
			t.SetPhase(asStr(v))
		case "action":
			t.row.Action = asStr(v)
			t.mark("action")
		case "oms_owner":
			t.SetOMSOwner(asStr(v))
		case "company":
			t.row.Company = asInt64(v)
			t.mark("company")
		case "trader":
			t.row.Trader = asInt64(v)
			t.mark("trader")
		case "buy_ccy":
			t.row.BuyCcy = asStr(v)
			t.mark("buy_ccy")
		case "sell_ccy":
			t.row.SellCcy = asStr(v)
			t.mark("sell_ccy")
		case "amount":
			t.row.Amount = asDec(v)
			t.mark("amount")
		case "lock_side":
			t.row.LockSide = asStr(v)
			t.mark("lock_side")
		case "value_date":
			t.row.ValueDate = model.GormTime(asTime(v))
			t.mark("value_date")
		case "tenor":
			t.row.Tenor = asStr(v)
			t.mark("tenor")
		case "strategy":
			t.row.Strategy = asStr(v)
			t.mark("strategy")
		case "rfq_type":
			t.SetRFQType(asStr(v))
		case "venue":
			t.SetVenue(asStr(v))
		case "rate":
			t.row.Rate = asDec(v)
			t.mark("rate")
		case "spot_rate":
			t.row.SpotRate = asDec(v)
			t.mark("spot_rate")
		case "fwd_points":
			t.row.FwdPoints = asDec(v)
			t.mark("fwd_points")
		case "quote_id":
			t.row.QuoteID = asStr(v)
			t.mark("quote_id")
		case "quote_expiry":
			t.row.QuoteExpiry = model.GormTime(asTime(v))
			t.mark("quote_expiry")
		case "end_time":
			t.row.EndTime = model.GormTime(asTime(v))
			t.mark("end_time")
		case "cashflow_id":
			t.row.CashflowID = asInt64(v)
			t.mark("cashflow_id")
		}
	}
}

func timeOut(t model.GormTime) string {
	tt := t.Time()
	if tt.IsZero() {
		return ""
	}
	return tt.Format(time.RFC3339Nano)
}

func asStr(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
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

func asDec(v interface{}) decimal.Decimal {
	switch n := v.(type) {
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(n)
	default:
		return decimal.Zero
	}
}

func asTime(v interface{}) time.Time {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
