package load

import (
	"runtime"
	"time"
)

// Source reports the live counts the sampler folds into each sample.
type Source interface {
	ConnectionCount() int
	SessionCount() int
}

// Sampler periodically feeds aggregate metrics to the controller. Loop lag
// is measured as the drift between the expected and observed tick arrival,
// a cheap proxy for scheduler saturation.
type Sampler struct {
	interval time.Duration
	source   Source
	ctrl     *Controller
}

func NewSampler(interval time.Duration, source Source, ctrl *Controller) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{interval: interval, source: source, ctrl: ctrl}
}

// Run samples until the stop channel closes.
func (s *Sampler) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	expected := time.Now().Add(s.interval)
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			lag := now.Sub(expected)
			if lag < 0 {
				lag = 0
			}
			expected = now.Add(s.interval)

			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)

			s.ctrl.UpdateMetrics(Metrics{
				Connections:   s.source.ConnectionCount(),
				Sessions:      s.source.SessionCount(),
				MemoryBytes:   memStats.HeapInuse,
				LoopLagMillis: lag.Milliseconds(),
			})
		}
	}
}
