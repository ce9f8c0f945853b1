package routing_test

import (
	"testing"
	"time"

	"oems/pkg/routing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func req() routing.CreateReq {
	return routing.CreateReq{
		Company:  1,
		BuyCcy:   "EUR",
		SellCcy:  "USD",
		Amount:   decimal.NewFromInt(100000),
		LockSide: "buy",
		Tenor:    routing.TenorSpot,
	}
}

func TestValidate(t *testing.T) {
	cal := routing.WeekendCalendar{}

	require.Nil(t, routing.Validate(req(), cal))

	r := req()
	r.SellCcy = "EUR"
	require.Equal(t, routing.ErrBadPair, routing.Validate(r, cal))

	r = req()
	r.BuyCcy = "EURO"
	require.Equal(t, routing.ErrBadPair, routing.Validate(r, cal))

	r = req()
	r.Amount = decimal.Zero
	require.Equal(t, routing.ErrBadAmount, routing.Validate(r, cal))

	r = req()
	r.LockSide = "both"
	require.Equal(t, routing.ErrBadLockSide, routing.Validate(r, cal))

	r = req()
	r.ValueDate = time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC) // a Saturday
	require.Equal(t, routing.ErrBadValueDate, routing.Validate(r, cal))

	r = req()
	r.ValueDate = time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC) // a Wednesday
	require.Nil(t, routing.Validate(r, cal))
}

func TestPick(t *testing.T) {
	p := routing.Profile{
		Company:      1,
		DefaultVenue: "generic",
		PairVenues:   map[string]string{"GBPUSD": "mmaker2"},
		ManualPairs:  map[string]bool{"USDTRY": true},
		ForwardPairs: map[string]bool{"EURUSD": true},
	}
	amt := decimal.NewFromInt(100000)

	rt, err := routing.Pick(p, "EURUSD", routing.TenorSpot, amt)
	require.Nil(t, err)
	require.Equal(t, "generic", rt.Venue)
	require.Equal(t, routing.RFQAPI, rt.RFQType)
	require.False(t, rt.NeedsApproval)

	// per-pair venue override
	rt, err = routing.Pick(p, "GBPUSD", routing.TenorSpot, amt)
	require.Nil(t, err)
	require.Equal(t, "mmaker2", rt.Venue)

	// manual pairs need a human quote
	rt, err = routing.Pick(p, "USDTRY", routing.TenorSpot, amt)
	require.Nil(t, err)
	require.Equal(t, routing.RFQManual, rt.RFQType)

	// forwards only on listed pairs
	rt, err = routing.Pick(p, "GBPUSD", routing.TenorFwd, amt)
	require.Nil(t, err)
	require.Equal(t, routing.RFQUnsupported, rt.RFQType)

	rt, err = routing.Pick(p, "EURUSD", routing.TenorFwd, amt)
	require.Nil(t, err)
	require.Equal(t, routing.RFQAPI, rt.RFQType)

	// no venue anywhere
	_, err = routing.Pick(routing.Profile{}, "EURUSD", routing.TenorSpot, amt)
	require.Equal(t, routing.ErrNoVenue, err)
}

func TestPickDeterministic(t *testing.T) {
	p := routing.Profile{DefaultVenue: "generic", IndicativeOnly: true}
	amt := decimal.NewFromInt(5000)

	first, err := routing.Pick(p, "EURUSD", routing.TenorSpot, amt)
	require.Nil(t, err)
	for i := 0; i < 10; i++ {
		rt, err := routing.Pick(p, "EURUSD", routing.TenorSpot, amt)
		require.Nil(t, err)
		require.Equal(t, first, rt)
	}
	require.Equal(t, routing.RFQIndicative, first.RFQType)
}

func TestPickApprovalThreshold(t *testing.T) {
	p := routing.Profile{
		DefaultVenue:      "generic",
		ApprovalThreshold: decimal.NewFromInt(1000000),
	}

	rt, err := routing.Pick(p, "EURUSD", routing.TenorSpot, decimal.NewFromInt(1000000))
	require.Nil(t, err)
	require.False(t, rt.NeedsApproval)

	rt, err = routing.Pick(p, "EURUSD", routing.TenorSpot, decimal.NewFromInt(1000001))
	require.Nil(t, err)
	require.True(t, rt.NeedsApproval)
}

func TestWeekendCalendarSpotDate(t *testing.T) {
	cal := routing.WeekendCalendar{}

	// Thursday + 2 business days crosses the weekend
	thu := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), cal.SpotDate("EURUSD", thu))

	// USDCAD settles next business day
	require.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), cal.SpotDate("USDCAD", thu))

	// Friday + 1 business day lands on Monday
	fri := time.Date(2026, 3, 6, 15, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), cal.SpotDate("USDCAD", fri))
}
