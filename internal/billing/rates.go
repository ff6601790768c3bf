package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// moneyScale is the fixed-point scale used for all computed prices. Eight
// fractional digits keep per-second billing at sub-cent rates from rounding
// to zero.
const moneyScale = 8

var sixty = decimal.NewFromInt(60)

// tollFreeNPAs is the fixed set of North American toll-free area codes.
var tollFreeNPAs = map[string]struct{}{
	"800": {}, "833": {}, "844": {}, "855": {}, "866": {}, "877": {}, "888": {},
}

// DigitsOnly strips everything but digits from a phone number.
func DigitsOnly(number string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsTollFree reports whether the number's NPA is in the toll-free set.
func IsTollFree(number string) bool {
	digits := DigitsOnly(number)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) < 3 {
		return false
	}
	_, ok := tollFreeNPAs[digits[:3]]
	return ok
}

// CallPrice is the result of rating a call.
type CallPrice struct {
	Price    decimal.Decimal
	TollFree bool
	// Units is minutes under round-up mode, otherwise seconds.
	Units int64
}

// RateTable holds the configured inbound rates and number fees.
type RateTable struct {
	LocalRatePerMin    decimal.Decimal
	TollfreeRatePerMin decimal.Decimal
	RoundUpToMinute    bool
	LocalMonthlyFee    decimal.Decimal
	TollfreeMonthlyFee decimal.Decimal
}

// InboundCallPrice rates an inbound AI call against the dialed number.
func (rt RateTable) InboundCallPrice(toNumber string, billsec int64) CallPrice {
	if billsec < 0 {
		billsec = 0
	}
	tollFree := IsTollFree(toNumber)
	rate := rt.LocalRatePerMin
	if tollFree {
		rate = rt.TollfreeRatePerMin
	}
	return CallPrice{
		Price:    pricePerMinRate(rate, billsec, rt.RoundUpToMinute),
		TollFree: tollFree,
		Units:    priceUnits(billsec, rt.RoundUpToMinute),
	}
}

// MonthlyNumberFee returns the monthly fee tier for a number.
func (rt RateTable) MonthlyNumberFee(phoneNumber string) decimal.Decimal {
	if IsTollFree(phoneNumber) {
		return rt.TollfreeMonthlyFee
	}
	return rt.LocalMonthlyFee
}

// MaxMonthlyFee is the purchase gate threshold: the buyer must cover the
// pricier tier regardless of which number they pick.
func (rt RateTable) MaxMonthlyFee() decimal.Decimal {
	if rt.TollfreeMonthlyFee.GreaterThan(rt.LocalMonthlyFee) {
		return rt.TollfreeMonthlyFee
	}
	return rt.LocalMonthlyFee
}

// OutboundRate rates dialer calls with a single per-minute rate.
type OutboundRate struct {
	RatePerMin      decimal.Decimal
	RoundUpToMinute bool
}

// Price rates an outbound dialer call.
func (o OutboundRate) Price(billsec int64) CallPrice {
	if billsec < 0 {
		billsec = 0
	}
	return CallPrice{
		Price: pricePerMinRate(o.RatePerMin, billsec, o.RoundUpToMinute),
		Units: priceUnits(billsec, o.RoundUpToMinute),
	}
}

// MailTotalCost applies the configured markup to a provider cost estimate:
// estimate + flat + pct*estimate.
func MailTotalCost(providerEstimate, markupFlat, markupPct decimal.Decimal) decimal.Decimal {
	return providerEstimate.
		Add(markupFlat).
		Add(providerEstimate.Mul(markupPct)).
		Round(moneyScale)
}

func priceUnits(billsec int64, roundUp bool) int64 {
	if roundUp {
		return (billsec + 59) / 60
	}
	return billsec
}

func pricePerMinRate(ratePerMin decimal.Decimal, billsec int64, roundUp bool) decimal.Decimal {
	if billsec == 0 {
		return decimal.Zero
	}
	if roundUp {
		minutes := (billsec + 59) / 60
		return ratePerMin.Mul(decimal.NewFromInt(minutes)).Round(moneyScale)
	}
	// Multiply before dividing so exact per-second prices stay exact.
	return ratePerMin.Mul(decimal.NewFromInt(billsec)).Div(sixty).Round(moneyScale)
}
