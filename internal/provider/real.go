package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/g6/collector/internal/config"
	"github.com/g6/collector/internal/domain"
	"github.com/g6/collector/internal/errs"
	"github.com/rs/zerolog"
)

// Real talks to the upstream broker HTTP API behind a token-bucket
// rate limiter, with a standard http.Client timeout/transport
// configuration.
type Real struct {
	base    string
	token   string
	httpc   *http.Client
	lim     *limiter
	events  eventLogger
	outage  *outageTracker
	errs    *errs.Router
	logEvry zerolog.Logger
}

func NewReal(settings *config.Settings, log zerolog.Logger, baseURL, token string, errRouter *errs.Router) *Real {
	return &Real{
		base:    baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		lim:     newLimiter(settings.ProviderRatePerSecond),
		events:  newEventLogger(log, settings.TraceCollector),
		outage:  newOutageTracker(settings.ProviderOutageThreshold, settings.ProviderOutageLogEvery),
		errs:    errRouter,
		logEvry: log.With().Str("component", "provider.real").Logger(),
	}
}

func (p *Real) Mode() Mode { return ModeReal }

func (p *Real) do(ctx context.Context, path string, out any) error {
	if err := p.lim.wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		p.logFailure(path, err)
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		p.outage.recordSuccess()
	case http.StatusUnauthorized, http.StatusForbidden:
		p.logFailure(path, fmt.Errorf("status %d", resp.StatusCode))
		return ErrAuth
	case http.StatusTooManyRequests:
		p.logFailure(path, fmt.Errorf("status %d", resp.StatusCode))
		return ErrRateLimit
	case http.StatusNotFound:
		return ErrMissing
	default:
		p.logFailure(path, fmt.Errorf("status %d", resp.StatusCode))
		return fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrNetwork, err)
	}
	return nil
}

func (p *Real) logFailure(path string, err error) {
	shouldLog, streak := p.outage.recordFailure()
	if p.errs != nil {
		p.errs.Route("E_PROVIDER_UNAVAILABLE", p.logEvry, 1, map[string]interface{}{"path": path, "consecutive_failures": streak, "err": err})
	}
	if !shouldLog {
		return
	}
	p.logEvry.Warn().Str("path", path).Int("consecutive_failures", streak).Err(err).Msg("provider request failed")
}

func (p *Real) GetLTP(ctx context.Context, index string) (float64, error) {
	var out struct {
		LTP float64 `json:"ltp"`
	}
	if err := p.do(ctx, "/ltp/"+index, &out); err != nil {
		p.events.event("ltp", "fetch", "error", map[string]any{"index": index, "err": err.Error()})
		return 0, raiseClassified(err)
	}
	p.events.event("ltp", "fetch", "ok", map[string]any{"index": index})
	return out.LTP, nil
}

func (p *Real) ResolveExpiry(ctx context.Context, index string, rule config.ExpiryRule) (time.Time, error) {
	if rule.Kind == config.ExpiryISODate {
		t, err := time.Parse("2006-01-02", rule.Date)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrUnknownRule, err)
		}
		return t, nil
	}

	var out struct {
		Expiry string `json:"expiry"`
	}
	if err := p.do(ctx, fmt.Sprintf("/expiry/%s?rule=%s", index, rule.Kind), &out); err != nil {
		p.events.event("expiry", "resolve", "error", map[string]any{"index": index, "rule": string(rule.Kind)})
		return time.Time{}, raiseClassified(err)
	}
	t, err := time.Parse("2006-01-02", out.Expiry)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrEmptyFuture, err)
	}
	p.events.event("expiry", "resolve", "ok", map[string]any{"index": index, "expiry": out.Expiry})
	return t, nil
}

func (p *Real) GetOptionInstruments(ctx context.Context, index string, expiry time.Time, strikes domain.StrikeRange) ([]domain.Instrument, error) {
	var out []domain.Instrument
	path := fmt.Sprintf("/instruments/%s?expiry=%s&strike_min=%g&strike_max=%g&strike_step=%g",
		index, expiry.Format("2006-01-02"), strikes.Min, strikes.Max, strikes.Step)
	if err := p.do(ctx, path, &out); err != nil {
		p.events.event("instruments", "fetch", "error", map[string]any{"index": index})
		return nil, raiseClassified(err)
	}
	p.events.event("instruments", "fetch", "ok", map[string]any{"index": index, "count": len(out)})
	return out, nil
}

func (p *Real) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	var out domain.Quote
	if err := p.do(ctx, "/quote/"+symbol, &out); err != nil {
		p.events.event("quote", "fetch", "error", map[string]any{"symbol": symbol})
		return domain.Quote{}, raiseClassified(err)
	}
	p.events.event("quote", "fetch", "ok", map[string]any{"symbol": symbol})
	return out, nil
}
