package ticket

// Internal lifecycle states. The engine owns these, customers only ever see
// the external projection.
const (
	StateNew      = "NEW"
	StateDraft    = "DRAFT"
	StateAccepted = "ACCEPTED"

	// working family
	StateWorking    = "WORKING"
	StateActive     = "ACTIVE"
	StatePaused     = "PAUSED"
	StatePendPause  = "PENDPAUSE"
	StatePendResume = "PENDRESUME"
	StatePendCancel = "PENDCANCEL"

	StateWaiting    = "WAITING"
	StatePendRFQ    = "PEND_RFQ"
	StateRFQDone    = "RFQ_DONE"
	StateScheduled  = "SCHEDULED"
	StatePendAuth   = "PENDAUTH"
	StatePendMargin = "PENDMARGIN"
	StatePendBene   = "PENDBENE"
	StatePendFunds  = "PENDFUNDS"

	StateBooked         = "BOOKED"
	StateFilled         = "FILLED"
	StatePartial        = "PARTIAL"
	StatePendSettle     = "PENDSETTLE"
	StatePendRecon      = "PENDRECON"
	StateDone           = "DONE"
	StateDonePendSettle = "DONE_PENDSETTLE"

	// terminal failure states
	StateCanceled       = "CANCELED"
	StateCancelReject   = "CANCELREJECT"
	StateExpired        = "EXPIRED"
	StateError          = "ERROR"
	StateFailed         = "FAILED"
	StateBookingFailure = "BOOKING_FAILURE"
	StateSettleFail     = "SETTLE_FAIL"
	StateManual         = "MANUAL"
	StatePtlCancel      = "PTLCANCEL"
)

// External customer-facing states.
const (
	ExtPending  = "PENDING"
	ExtActive   = "ACTIVE"
	ExtDone     = "DONE"
	ExtCanceled = "CANCELED"
	ExtExpired  = "EXPIRED"
	ExtFailed   = "FAILED"
)

// Ticket actions and RFQ execution strategies.
const (
	ActionRFQ     = "rfq"
	ActionExecute = "execute"

	StrategyMarket = "market"
	StrategyLimit  = "limit"
	StrategyBestX  = "bestx"
)

// WorkingStates is the family of states swept by the EMS work evaluation.
var WorkingStates = map[string]bool{
	StateWorking:    true,
	StateActive:     true,
	StatePaused:     true,
	StatePendPause:  true,
	StatePendResume: true,
	StatePendCancel: true,
}

// CancellableStates: a CANCEL in any of these yields CANCELED, anywhere else
// it is rejected with CANCELREJECT.
var CancellableStates = map[string]bool{
	StateAccepted:   true,
	StateWorking:    true,
	StateActive:     true,
	StatePaused:     true,
	StatePendPause:  true,
	StatePendResume: true,
	StatePendCancel: true,
	StateWaiting:    true,
	StatePendRFQ:    true,
}

// EMSTerminalStates: entering one of these releases EMS ownership and hands
// the ticket back to its OMS. CANCELREJECT is deliberately absent, it is a
// notice, not a state the ticket rests in.
var EMSTerminalStates = map[string]bool{
	StateDone:           true,
	StateDonePendSettle: true,
	StateCanceled:       true,
	StateExpired:        true,
	StateError:          true,
	StateFailed:         true,
	StateBookingFailure: true,
	StateSettleFail:     true,
	StateManual:         true,
	StatePtlCancel:      true,
}

// IsWorking reports whether the state belongs to the working family.
func IsWorking(state string) bool {
	return WorkingStates[state]
}

func IsCancellable(state string) bool {
	return CancellableStates[state]
}

func IsEMSTerminal(state string) bool {
	return EMSTerminalStates[state]
}

// ApplyCancel applies the cancellation decision to a ticket. In a
// cancellable state the ticket moves to CANCELED; anywhere else the request
// is rejected, the internal state stays untouched and the customer-facing
// state is set back to ACTIVE.
func ApplyCancel(t *Ticket) (canceled bool) {
	if IsCancellable(t.InternalState()) {
		t.SetInternalState(StateCanceled)
		return true
	}

	t.SetExternalState(ExtActive)
	return false
}

// ExternalFor derives the customer-facing state from an internal one.
func ExternalFor(internal string) string {
	switch internal {
	case StateNew, StateDraft, StatePendAuth, StatePendMargin, StatePendBene, StatePendFunds:
		return ExtPending
	case StateDone, StateDonePendSettle, StateFilled:
		return ExtDone
	case StateCanceled, StatePtlCancel:
		return ExtCanceled
	case StateExpired:
		return ExtExpired
	case StateError, StateFailed, StateBookingFailure, StateSettleFail:
		return ExtFailed
	default:
		return ExtActive
	}
}
