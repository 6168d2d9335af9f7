package pipeline

import (
	"math"

	"github.com/g6/collector/internal/domain"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	ivMaxIterations = 50
	ivTolerance     = 1e-6
	ivMinSigma      = 1e-4
	ivMaxSigma      = 5.0
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

func d1d2(spot, strike, t, r, sigma float64) (float64, float64) {
	d1 := (math.Log(spot/strike) + (r+0.5*sigma*sigma)*t) / (sigma * math.Sqrt(t))
	d2 := d1 - sigma*math.Sqrt(t)
	return d1, d2
}

func callPrice(spot, strike, t, r, sigma float64) float64 {
	d1, d2 := d1d2(spot, strike, t, r, sigma)
	return spot*stdNormal.CDF(d1) - strike*math.Exp(-r*t)*stdNormal.CDF(d2)
}

func vega(spot, strike, t, r, sigma float64) float64 {
	d1, _ := d1d2(spot, strike, t, r, sigma)
	return spot * stdNormal.Prob(d1) * math.Sqrt(t)
}

// solveImpliedVol Newton-Raphson solves for the Black-Scholes implied
// volatility that reproduces observedPrice, with a bounded iteration
// count so one stubborn option can never stall a cycle.
func solveImpliedVol(observedPrice, spot, strike, t, r float64) (float64, bool) {
	if observedPrice <= 0 || spot <= 0 || strike <= 0 || t <= 0 {
		return 0, false
	}
	sigma := 0.3
	for i := 0; i < ivMaxIterations; i++ {
		price := callPrice(spot, strike, t, r, sigma)
		diff := price - observedPrice
		if math.Abs(diff) < ivTolerance {
			return sigma, true
		}
		v := vega(spot, strike, t, r, sigma)
		if v < 1e-8 {
			break
		}
		sigma -= diff / v
		if sigma < ivMinSigma || sigma > ivMaxSigma || math.IsNaN(sigma) {
			return 0, false
		}
	}
	return 0, false
}

// blackScholesGreeks derives the standard sensitivities from a
// resolved implied volatility.
func blackScholesGreeks(spot, strike, t, r, sigma float64, isCall bool) domain.Greeks {
	d1, d2 := d1d2(spot, strike, t, r, sigma)
	gamma := stdNormal.Prob(d1) / (spot * sigma * math.Sqrt(t))
	vg := vega(spot, strike, t, r, sigma) / 100 // per 1 vol point
	var delta, theta, rho float64
	if isCall {
		delta = stdNormal.CDF(d1)
		theta = (-spot*stdNormal.Prob(d1)*sigma/(2*math.Sqrt(t)) - r*strike*math.Exp(-r*t)*stdNormal.CDF(d2)) / 365
		rho = strike * t * math.Exp(-r*t) * stdNormal.CDF(d2) / 100
	} else {
		delta = stdNormal.CDF(d1) - 1
		theta = (-spot*stdNormal.Prob(d1)*sigma/(2*math.Sqrt(t)) + r*strike*math.Exp(-r*t)*stdNormal.CDF(-d2)) / 365
		rho = -strike * t * math.Exp(-r*t) * stdNormal.CDF(-d2) / 100
	}
	return domain.Greeks{Delta: delta, Gamma: gamma, Theta: theta, Vega: vg, Rho: rho}
}
