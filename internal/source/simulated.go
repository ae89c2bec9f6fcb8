package source

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"

	"otsentry/internal/model"
)

// Profile produces one simulated value for a parameter given the device limits.
type Profile func(r *rand.Rand, rng model.Range) decimal.Decimal

// DefaultProfiles mirror the demo plant: mostly in band with regular excursions.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"pressure": func(r *rand.Rand, rng model.Range) decimal.Decimal {
			lo, hi := rng.MinOr(55), rng.MaxOr(85)
			return whole(lo + r.Float64()*(hi-lo+15))
		},
		"temperature": func(r *rand.Rand, rng model.Range) decimal.Decimal {
			lo, hi := rng.MinOr(60), rng.MaxOr(90)
			return whole(lo + r.Float64()*(hi-lo+10))
		},
		"flow_rate": func(r *rand.Rand, _ model.Range) decimal.Decimal {
			return whole(30 + r.Float64()*40)
		},
		"tank_level": func(r *rand.Rand, _ model.Range) decimal.Decimal {
			return whole(20 + r.Float64()*70)
		},
		"vibration": func(r *rand.Rand, _ model.Range) decimal.Decimal {
			if r.Float64() < 0.1 {
				return decimal.NewFromFloat(9 + r.Float64()).Round(1)
			}
			return decimal.NewFromFloat(r.Float64() * 8).Round(1)
		},
	}
}

// Simulated is a ReadingSource that fabricates values for every parameter a
// device declares.
type Simulated struct {
	mu       sync.Mutex
	rand     *rand.Rand
	profiles map[string]Profile
}

// NewSimulated builds a simulator. A zero seed picks a random one.
func NewSimulated(seed uint64) *Simulated {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Simulated{
		rand:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		profiles: DefaultProfiles(),
	}
}

// SetProfile installs or replaces the generator for a parameter.
func (s *Simulated) SetProfile(parameter string, profile Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[parameter] = profile
}

// Read implements poller.ReadingSource.
func (s *Simulated) Read(ctx context.Context, device model.Device) ([]model.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	samples := make([]model.Sample, 0, len(device.Parameters))
	for _, param := range device.Parameters {
		rng := device.AcceptableRanges.For(param.Name)
		profile, ok := s.profiles[param.Name]
		if !ok {
			profile = uniform
		}
		samples = append(samples, model.Sample{
			ParameterName: param.Name,
			Value:         profile(s.rand, rng),
			Unit:          param.Unit,
		})
	}
	return samples, nil
}

func uniform(r *rand.Rand, rng model.Range) decimal.Decimal {
	lo, hi := rng.MinOr(0), rng.MaxOr(100)
	if hi < lo {
		lo, hi = hi, lo
	}
	return decimal.NewFromFloat(lo + r.Float64()*(hi-lo)).Round(2)
}

func whole(v float64) decimal.Decimal {
	return decimal.NewFromFloat(math.Floor(v))
}
