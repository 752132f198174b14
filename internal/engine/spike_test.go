package engine

import (
	"testing"
	"time"
)

func TestSpikeDetectorTriggersOnFastMove(t *testing.T) {
	t.Parallel()

	d := &spikeDetector{}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if d.Observe(base, 100) {
		t.Fatal("first sample must not trigger")
	}
	if d.Observe(base.Add(10*time.Second), 100.2) {
		t.Fatal("0.2% move must not trigger")
	}
	if !d.Observe(base.Add(20*time.Second), 100.6) {
		t.Fatal("0.6% move inside the window must trigger")
	}
}

func TestSpikeDetectorIgnoresSlowDrift(t *testing.T) {
	t.Parallel()

	d := &spikeDetector{}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// 0.1% per 30s: each comparison stays under the threshold because
	// older samples age out of the window
	price := 100.0
	for i := 0; i < 20; i++ {
		price *= 1.001
		if d.Observe(base.Add(time.Duration(i)*30*time.Second), price) {
			t.Fatalf("slow drift triggered at step %d", i)
		}
	}
}

func TestSpikeDetectorRearmsAfterTrigger(t *testing.T) {
	t.Parallel()

	d := &spikeDetector{}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d.Observe(base, 100)
	if !d.Observe(base.Add(5*time.Second), 101) {
		t.Fatal("1% move must trigger")
	}
	// the window was drained; the same price again is no spike
	if d.Observe(base.Add(10*time.Second), 101.1) {
		t.Fatal("detector did not re-arm after trigger")
	}
	if !d.Observe(base.Add(15*time.Second), 102) {
		t.Fatal("fresh spike after re-arm must trigger")
	}
}

func TestSpikeDetectorDownMove(t *testing.T) {
	t.Parallel()

	d := &spikeDetector{}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d.Observe(base, 100)
	if !d.Observe(base.Add(5*time.Second), 99.4) {
		t.Fatal("0.6% down move must trigger")
	}
}
