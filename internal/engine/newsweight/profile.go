package newsweight

import (
	"math"

	"gpw-signal-engine/internal/engine/enginerr"
)

// Profile names.
const (
	ProfileIntradayAggressive   = "intraday-aggressive"
	ProfileIntradayDefault      = "intraday-default"
	ProfileIntradayConservative = "intraday-conservative"
	ProfileSwing                = "swing"
)

// Profile is one named time-weighting configuration. The four piecewise
// bucket weights must sum to 1 within 0.05.
type Profile struct {
	Name                  string
	HalfLifeMinutes       float64
	Last15MinWeight       float64
	Last1HourWeight       float64
	Last4HourWeight       float64
	TodayWeight           float64
	BreakingMultiplier    float64
	MarketHoursMultiplier float64
	PreMarketMultiplier   float64
	MinImpactThreshold    float64
}

var profiles = map[string]Profile{
	ProfileIntradayAggressive: {
		Name:                  ProfileIntradayAggressive,
		HalfLifeMinutes:       60,
		Last15MinWeight:       0.50,
		Last1HourWeight:       0.30,
		Last4HourWeight:       0.15,
		TodayWeight:           0.05,
		BreakingMultiplier:    2.0,
		MarketHoursMultiplier: 1.5,
		PreMarketMultiplier:   1.2,
		MinImpactThreshold:    0.05,
	},
	ProfileIntradayDefault: {
		Name:                  ProfileIntradayDefault,
		HalfLifeMinutes:       120,
		Last15MinWeight:       0.40,
		Last1HourWeight:       0.30,
		Last4HourWeight:       0.20,
		TodayWeight:           0.10,
		BreakingMultiplier:    2.0,
		MarketHoursMultiplier: 1.5,
		PreMarketMultiplier:   1.2,
		MinImpactThreshold:    0.05,
	},
	ProfileIntradayConservative: {
		Name:                  ProfileIntradayConservative,
		HalfLifeMinutes:       240,
		Last15MinWeight:       0.30,
		Last1HourWeight:       0.30,
		Last4HourWeight:       0.25,
		TodayWeight:           0.15,
		BreakingMultiplier:    1.5,
		MarketHoursMultiplier: 1.3,
		PreMarketMultiplier:   1.1,
		MinImpactThreshold:    0.05,
	},
	ProfileSwing: {
		Name:                  ProfileSwing,
		HalfLifeMinutes:       720,
		Last15MinWeight:       0.25,
		Last1HourWeight:       0.25,
		Last4HourWeight:       0.25,
		TodayWeight:           0.25,
		BreakingMultiplier:    1.5,
		MarketHoursMultiplier: 1.2,
		PreMarketMultiplier:   1.0,
		MinImpactThreshold:    0.02,
	},
}

// ProfileByName resolves and validates a named profile. A positive
// halfLifeOverride replaces the profile's half-life.
func ProfileByName(name string, halfLifeOverride int) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, enginerr.Configf("unknown news weight profile %q", name)
	}
	if halfLifeOverride > 0 {
		p.HalfLifeMinutes = float64(halfLifeOverride)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks the piecewise weight sum invariant.
func (p Profile) Validate() error {
	sum := p.Last15MinWeight + p.Last1HourWeight + p.Last4HourWeight + p.TodayWeight
	if math.Abs(sum-1.0) > 0.05 {
		return enginerr.Configf("profile %q piecewise weights sum to %.3f, want 1±0.05", p.Name, sum)
	}
	if p.HalfLifeMinutes <= 0 {
		return enginerr.Configf("profile %q has non-positive half-life", p.Name)
	}
	return nil
}

// periodWeight returns the piecewise bucket weight for an article age.
func (p Profile) periodWeight(ageMinutes float64) float64 {
	switch {
	case ageMinutes <= 15:
		return p.Last15MinWeight
	case ageMinutes <= 60:
		return p.Last1HourWeight
	case ageMinutes <= 240:
		return p.Last4HourWeight
	default:
		return p.TodayWeight
	}
}

// decay returns the exponential half-life decay factor for an article age.
func (p Profile) decay(ageMinutes float64) float64 {
	if ageMinutes < 0 {
		ageMinutes = 0
	}
	return math.Exp(-math.Ln2 * ageMinutes / p.HalfLifeMinutes)
}
