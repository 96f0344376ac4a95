package sensor

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Simulated is a random-walk sensor for development hosts without hardware.
type Simulated struct {
	mu   sync.Mutex
	rng  *rand.Rand
	last Reading
	now  func() time.Time
}

// NewSimulated returns a Simulated sensor starting from typical indoor
// conditions. The same seed always produces the same sequence.
func NewSimulated(seed uint64) *Simulated {
	return &Simulated{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		last: Reading{
			Temperature: 21.0,
			Humidity:    45.0,
			Pressure:    101.3,
		},
		now: time.Now,
	}
}

// Read returns the next step of the walk.
func (s *Simulated) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = Reading{
		Temperature: s.step(s.last.Temperature, 0.2, -20, 50),
		Humidity:    s.step(s.last.Humidity, 0.5, 0, 100),
		Pressure:    s.step(s.last.Pressure, 0.05, 95, 106),
		At:          s.now(),
	}
	return s.last, nil
}

func (s *Simulated) step(v, maxDelta, lo, hi float64) float64 {
	v += (s.rng.Float64()*2 - 1) * maxDelta
	v = math.Max(lo, math.Min(hi, v))
	return math.Round(v*100) / 100
}
