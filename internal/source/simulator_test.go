package source

import (
	"context"
	"testing"
	"time"
)

func collect(t *testing.T, sim *Simulator, n int) []float64 {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sim.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	var openness []float64
	for sample := range sim.Samples() {
		if v, ok := sample.Openness(); ok {
			openness = append(openness, v)
		} else {
			openness = append(openness, -1)
		}
		if len(openness) >= n {
			break
		}
	}
	if err := sim.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	return openness
}

func TestSimulatorEmitsBlinks(t *testing.T) {
	sim, err := NewSimulator(SimulatorConfig{
		SampleRateHz: 200,
		MinBlinkGap:  50 * time.Millisecond,
		MaxBlinkGap:  100 * time.Millisecond,
		BlinkFrames:  4,
		Seed:         42,
	})
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}

	openness := collect(t, sim, 120)

	closed := 0
	for _, v := range openness {
		if v >= 0 && v < 0.2 {
			closed++
		}
	}
	if closed == 0 {
		t.Error("expected at least one closed-eye run in 120 samples")
	}

	stats := sim.Stats()
	if stats.SamplesEmitted < 120 {
		t.Errorf("SamplesEmitted = %d, want >= 120", stats.SamplesEmitted)
	}
	if stats.IsRunning {
		t.Error("expected IsRunning=false after Stop")
	}
}

func TestSimulatorFaceLossGaps(t *testing.T) {
	sim, err := NewSimulator(SimulatorConfig{
		SampleRateHz:   200,
		MinBlinkGap:    time.Second,
		MaxBlinkGap:    2 * time.Second,
		BlinkFrames:    4,
		FaceLossChance: 0.2,
		FaceLossFrames: 3,
		Seed:           7,
	})
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}

	openness := collect(t, sim, 100)

	gaps := 0
	for _, v := range openness {
		if v < 0 {
			gaps++
		}
	}
	if gaps == 0 {
		t.Error("expected face-loss gaps with chance 0.2 over 100 samples")
	}
	if got := sim.Stats().GapsEmitted; got == 0 {
		t.Error("expected GapsEmitted > 0")
	}
}

func TestSimulatorSequenceMonotonic(t *testing.T) {
	sim, err := NewSimulator(SimulatorConfig{
		SampleRateHz: 200,
		Seed:         1,
	})
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sim.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	var last uint64
	first := true
	count := 0
	for sample := range sim.Samples() {
		if !first && sample.Seq != last+1 {
			t.Fatalf("seq jumped from %d to %d", last, sample.Seq)
		}
		last = sample.Seq
		first = false
		count++
		if count >= 50 {
			break
		}
	}
	if err := sim.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSimulatorRejectsZeroRate(t *testing.T) {
	if _, err := NewSimulator(SimulatorConfig{}); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestSimulatorStopIdempotent(t *testing.T) {
	sim, err := NewSimulator(SimulatorConfig{SampleRateHz: 100, Seed: 3})
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}
	if err := sim.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-sim.Samples()
	if err := sim.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := sim.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
