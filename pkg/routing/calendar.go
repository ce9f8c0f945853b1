package routing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WeekendCalendar treats every weekday as a settlement day and every market
// session as 24x5. Good enough for dev; a production deployment swaps in a
// holiday-aware implementation behind the same interface.
type WeekendCalendar struct{}

func (WeekendCalendar) SpotDate(pair string, now time.Time) time.Time {
	d := now
	days := 2
	// USDCAD settles T+1 by market convention
	if strings.ToUpper(pair) == "USDCAD" {
		days = 1
	}

	for days > 0 {
		d = d.AddDate(0, 0, 1)
		if weekday(d) {
			days--
		}
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
}

func (WeekendCalendar) IsSettlementDay(ccy string, d time.Time) bool {
	return weekday(d)
}

func (WeekendCalendar) SessionOpen(venue string, now time.Time) bool {
	return weekday(now)
}

func weekday(d time.Time) bool {
	wd := d.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// AutoApprover grants every approval request immediately. Used when the
// approval workflow service is not deployed.
type AutoApprover struct{}

func (AutoApprover) Check(company int64, amount decimal.Decimal) (bool, []string, error) {
	return true, []string{"auto"}, nil
}
