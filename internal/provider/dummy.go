package provider

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/domain"
)

// Dummy is a deterministic synthetic provider, selected when
// G6_PROVIDER_MODE is dummy (the default), for local development and
// tests. The only taxonomy error it returns is ErrUnknownRule, for an
// unrecognized expiry rule.
type Dummy struct {
	seed int64
}

func NewDummy() *Dummy { return &Dummy{seed: 42} }

func (d *Dummy) Mode() Mode { return ModeDummy }

func (d *Dummy) GetLTP(_ context.Context, index string) (float64, error) {
	base := map[string]float64{"NIFTY": 22000, "BANKNIFTY": 48000, "FINNIFTY": 21000}
	v, ok := base[index]
	if !ok {
		v = 10000
	}
	jitter := math.Sin(float64(d.seed)) * 50
	return v + jitter, nil
}

func (d *Dummy) ResolveExpiry(_ context.Context, _ string, rule config.ExpiryRule) (time.Time, error) {
	now := time.Now().UTC()
	switch rule.Kind {
	case config.ExpiryISODate:
		t, err := time.Parse("2006-01-02", rule.Date)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrUnknownRule, err)
		}
		return t, nil
	case config.ExpiryThisWeek:
		return nextWeekday(now, time.Thursday, 0), nil
	case config.ExpiryNextWeek:
		return nextWeekday(now, time.Thursday, 1), nil
	case config.ExpiryThisMonth:
		return lastWeekdayOfMonth(now, time.Thursday, 0), nil
	case config.ExpiryNextMonth:
		return lastWeekdayOfMonth(now, time.Thursday, 1), nil
	default:
		return time.Time{}, ErrUnknownRule
	}
}

func (d *Dummy) GetOptionInstruments(_ context.Context, index string, expiry time.Time, strikes domain.StrikeRange) ([]domain.Instrument, error) {
	step := strikes.Step
	min, max := strikes.Min, strikes.Max
	if step <= 0 {
		ltp, _ := d.GetLTP(context.Background(), index)
		step = strikeStepFor(index)
		atm := math.Round(ltp/step) * step
		min, max = atm-5*step, atm+5*step
	}
	out := make([]domain.Instrument, 0, 10)
	for strike := min; strike <= max+step/2; strike += step {
		for _, t := range []domain.OptionType{domain.Call, domain.Put} {
			out = append(out, domain.Instrument{
				Symbol:     fmt.Sprintf("%s%s%d%s", index, expiry.Format("02Jan"), int(strike), t),
				Index:      index,
				Expiry:     expiry,
				Strike:     strike,
				Type:       t,
				Underlying: index,
			})
		}
	}
	return out, nil
}

func (d *Dummy) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	r := rand.New(rand.NewSource(hashString(symbol)))
	price := 10 + r.Float64()*200
	vol := int64(r.Intn(5000))
	oi := int64(r.Intn(50000))
	iv := 0.12 + r.Float64()*0.4
	return domain.Quote{
		Symbol:    symbol,
		LastPrice: price,
		Volume:    &vol,
		OI:        &oi,
		IV:        &iv,
		Timestamp: time.Now().UTC(),
	}, nil
}

func strikeStepFor(index string) float64 {
	switch index {
	case "BANKNIFTY":
		return 100
	case "FINNIFTY":
		return 50
	default:
		return 50
	}
}

func hashString(s string) int64 {
	var h int64 = 1469598103934665603
	for _, c := range s {
		h ^= int64(c)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

func nextWeekday(from time.Time, wd time.Weekday, weeksAhead int) time.Time {
	from = from.AddDate(0, 0, 7*weeksAhead)
	daysUntil := (int(wd) - int(from.Weekday()) + 7) % 7
	return time.Date(from.Year(), from.Month(), from.Day()+daysUntil, 0, 0, 0, 0, time.UTC)
}

func lastWeekdayOfMonth(from time.Time, wd time.Weekday, monthsAhead int) time.Time {
	firstOfNext := time.Date(from.Year(), from.Month()+time.Month(monthsAhead)+1, 1, 0, 0, 0, 0, time.UTC)
	lastDay := firstOfNext.AddDate(0, 0, -1)
	daysBack := (int(lastDay.Weekday()) - int(wd) + 7) % 7
	return lastDay.AddDate(0, 0, -daysBack)
}
