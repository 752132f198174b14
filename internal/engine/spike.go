package engine

import (
	"sync"
	"time"
)

const (
	spikeWindow       = 60 * time.Second
	spikeThresholdPct = 0.5
)

type spikeSample struct {
	at    time.Time
	price float64
}

// spikeDetector watches the live price feed for fast moves. It keeps a
// rolling window of samples and fires when the price has moved by more
// than spikeThresholdPct against any sample still inside the window.
// Firing drains the window so the detector re-arms from fresh prices.
type spikeDetector struct {
	mu      sync.Mutex
	samples []spikeSample
}

// Observe records a price tick and reports whether it completes a spike.
func (d *spikeDetector) Observe(now time.Time, price float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-spikeWindow)
	kept := d.samples[:0]
	for _, s := range d.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	d.samples = kept

	triggered := false
	for _, s := range d.samples {
		if s.price <= 0 {
			continue
		}
		movePct := (price - s.price) / s.price * 100
		if movePct < 0 {
			movePct = -movePct
		}
		if movePct >= spikeThresholdPct {
			triggered = true
			break
		}
	}

	if triggered {
		d.samples = d.samples[:0]
	}
	d.samples = append(d.samples, spikeSample{at: now, price: price})
	return triggered
}
