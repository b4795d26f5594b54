package source

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/Prashant7197/Work-Eye-Tracker/internal/types"
)

// SimulatorConfig controls the synthetic openness stream.
type SimulatorConfig struct {
	SampleRateHz   int           // sampling cadence, typically 15-30
	MinBlinkGap    time.Duration // shortest pause between simulated blinks
	MaxBlinkGap    time.Duration // longest pause between simulated blinks
	BlinkFrames    int           // frames each simulated blink stays closed
	FaceLossChance float64       // per-sample probability of a face-loss gap
	FaceLossFrames int           // length of a simulated face-loss gap
	Seed           int64         // rng seed; fixed seeds give reproducible streams
}

// Simulator produces a deterministic synthetic openness stream: open eyes
// with mild jitter, a full blink every few seconds, and occasional
// face-loss gaps. Used when no camera-backed detector is wired in, and by
// tests that need repeatable input.
type Simulator struct {
	cfg SimulatorConfig
	rng *rand.Rand

	samplesCh chan types.EyeSample
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu        sync.RWMutex
	seq       uint64
	emitted   uint64
	gaps      uint64
	isRunning bool
}

// NewSimulator creates a simulator with validated config.
func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.SampleRateHz <= 0 {
		return nil, fmt.Errorf("sample rate must be > 0, got %d", cfg.SampleRateHz)
	}
	if cfg.BlinkFrames <= 0 {
		cfg.BlinkFrames = 4
	}
	if cfg.MinBlinkGap <= 0 {
		cfg.MinBlinkGap = 3 * time.Second
	}
	if cfg.MaxBlinkGap < cfg.MinBlinkGap {
		cfg.MaxBlinkGap = cfg.MinBlinkGap + 5*time.Second
	}
	if cfg.FaceLossFrames <= 0 {
		cfg.FaceLossFrames = 5
	}

	return &Simulator{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		samplesCh: make(chan types.EyeSample, 1),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins emitting samples at the configured rate.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("simulator already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	slog.Info("simulated geometry source starting",
		"sample_rate_hz", s.cfg.SampleRateHz,
		"blink_frames", s.cfg.BlinkFrames,
		"seed", s.cfg.Seed,
	)

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Samples returns the sample channel.
func (s *Simulator) Samples() <-chan types.EyeSample {
	return s.samplesCh
}

// Stop halts emission and closes the sample channel.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	close(s.samplesCh)

	s.mu.RLock()
	emitted := s.emitted
	s.mu.RUnlock()
	slog.Info("simulated geometry source stopped", "samples_emitted", emitted)
	return nil
}

// Stats returns a snapshot of source counters.
func (s *Simulator) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		SamplesEmitted: s.emitted,
		GapsEmitted:    s.gaps,
		SampleRateHz:   s.cfg.SampleRateHz,
		IsRunning:      s.isRunning,
	}
}

func (s *Simulator) run(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Second / time.Duration(s.cfg.SampleRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Countdown state: frames until the next blink, frames remaining in
	// the current blink or gap.
	untilBlink := s.framesUntilNextBlink()
	blinkLeft := 0
	gapLeft := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			var sample types.EyeSample

			switch {
			case gapLeft > 0:
				gapLeft--
				sample = s.gapSample()
			case blinkLeft > 0:
				blinkLeft--
				sample = s.openSample(0.05)
				if blinkLeft == 0 {
					untilBlink = s.framesUntilNextBlink()
				}
			default:
				if s.cfg.FaceLossChance > 0 && s.rng.Float64() < s.cfg.FaceLossChance {
					gapLeft = s.cfg.FaceLossFrames - 1
					sample = s.gapSample()
					break
				}
				untilBlink--
				if untilBlink <= 0 {
					blinkLeft = s.cfg.BlinkFrames - 1
					sample = s.openSample(0.05)
				} else {
					// Open eyes with mild jitter around 0.9.
					sample = s.openSample(0.85 + s.rng.Float64()*0.1)
				}
			}

			select {
			case s.samplesCh <- sample:
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
		}
	}
}

func (s *Simulator) framesUntilNextBlink() int {
	gap := s.cfg.MinBlinkGap
	if spread := s.cfg.MaxBlinkGap - s.cfg.MinBlinkGap; spread > 0 {
		gap += time.Duration(s.rng.Int63n(int64(spread)))
	}
	frames := int(gap.Seconds() * float64(s.cfg.SampleRateHz))
	if frames < 1 {
		frames = 1
	}
	return frames
}

func (s *Simulator) openSample(openness float64) types.EyeSample {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.emitted++
	s.mu.Unlock()

	return types.EyeSample{
		Seq:           seq,
		Timestamp:     time.Now(),
		FaceFound:     true,
		LeftTracked:   true,
		RightTracked:  true,
		LeftOpenness:  openness,
		RightOpenness: openness,
	}
}

func (s *Simulator) gapSample() types.EyeSample {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.emitted++
	s.gaps++
	s.mu.Unlock()

	return types.Gap(seq, time.Now())
}
