package provider

import "errors"

// Error taxonomy for the provider facade. The facade raises these
// specific sentinels rather than relying on broad error catches; phase
// drivers in internal/pipeline classify on them.
var (
	ErrAuth        = errors.New("provider: authentication failed")
	ErrNetwork     = errors.New("provider: network failure")
	ErrRateLimit   = errors.New("provider: rate limit exhausted")
	ErrMissing     = errors.New("provider: requested data missing")
	ErrNoMethod    = errors.New("provider: expiry resolution unsupported")
	ErrUnknownRule = errors.New("provider: unrecognized expiry rule")
	ErrEmptyFuture = errors.New("provider: no matching expiry in the lookahead window")
)

// raiseClassified maps an upstream error into one of the taxonomy
// sentinels: broad catches are forbidden, every upstream failure must
// be mapped to a named class.
func raiseClassified(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrAuth), errors.Is(err, ErrNetwork), errors.Is(err, ErrRateLimit),
		errors.Is(err, ErrMissing), errors.Is(err, ErrNoMethod), errors.Is(err, ErrUnknownRule),
		errors.Is(err, ErrEmptyFuture):
		return err
	default:
		return errors.Join(ErrNetwork, err)
	}
}
