package mac

import (
	"context"
	"math/rand"
	"time"

	"github.com/banshee-data/staffetta/internal/timeutil"
)

// RunnerConfig controls the wake schedule around the engine.
type RunnerConfig struct {
	// Bundle runs rounds back to back after each sleep until a jittered
	// window of Period*10 expires, instead of one round per wake-up. The
	// sleep itself then spans the whole bundle period.
	Bundle bool
	// ScaleByDutyCycle shortens the sleep by the fraction of time the radio
	// has already been on.
	ScaleByDutyCycle bool
	// ReportEvery is the period of the stats report, each followed by one
	// locally generated item. Zero disables both.
	ReportEvery time.Duration
	// FirstReport delays the first report; a random share of ReportJitter
	// is added to it.
	FirstReport  time.Duration
	ReportJitter time.Duration
	// Seed feeds the wake jitter. Zero uses the node id.
	Seed int64
}

// DefaultRunnerConfig returns the schedule of the long-running deployment:
// a report four minutes apart after roughly one minute.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		ReportEvery:  240 * time.Second,
		FirstReport:  55 * time.Second,
		ReportJitter: 10 * time.Second,
	}
}

// BundleRunnerConfig returns the bundle schedule: duty cycle scaled sleeps,
// rounds in bursts, and a report every three seconds after one to three.
func BundleRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Bundle:           true,
		ScaleByDutyCycle: true,
		ReportEvery:      3 * time.Second,
		FirstReport:      time.Second,
		ReportJitter:     2 * time.Second,
	}
}

// Runner schedules an engine's rounds: sleep a jittered interval derived
// from the current wake count, run one round, repeat. Sinks listen instead.
type Runner struct {
	engine    *Engine
	clock     timeutil.Clock
	cfg       RunnerConfig
	rng       *rand.Rand
	observers []func(Result)
}

// NewRunner returns a runner for e using the engine's clock.
func NewRunner(e *Engine, cfg RunnerConfig) *Runner {
	seed := cfg.Seed
	if seed == 0 {
		seed = int64(e.cfg.NodeID)
	}
	return &Runner{
		engine: e,
		clock:  e.clock,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Observe registers fn to be called with every round result.
func (r *Runner) Observe(fn func(Result)) {
	r.observers = append(r.observers, fn)
}

// Interval returns the sleep before the next wake-up. The nominal interval
// Tw = Period*10/wakeCount is drawn uniformly from [3/4 Tw, 5/4 Tw). In
// bundle mode Tw is the whole bundle period, (Period*10/wakeCount)*wakeCount.
func (r *Runner) Interval() time.Duration {
	e := r.engine
	tw := r.period()
	if r.cfg.ScaleByDutyCycle {
		dc := e.DutyCycle()
		if dc > 1000 {
			dc = 1000
		}
		tw = tw * time.Duration(1000-dc) / 1000
	}
	return r.jitter(tw)
}

// Window returns the length of the next burst of rounds in bundle mode:
// the unscaled bundle period, jittered like Interval.
func (r *Runner) Window() time.Duration {
	wake := r.wakeups()
	return r.jitter(r.engine.cfg.Timing.Period * 10 / wake * wake)
}

func (r *Runner) wakeups() time.Duration {
	wake := r.engine.WakeCount()
	if wake == 0 {
		wake = 1
	}
	return time.Duration(wake)
}

func (r *Runner) period() time.Duration {
	wake := r.wakeups()
	tw := r.engine.cfg.Timing.Period * 10 / wake
	if r.cfg.Bundle {
		tw *= wake
	}
	return tw
}

func (r *Runner) jitter(tw time.Duration) time.Duration {
	if tw < 2 {
		return tw
	}
	return tw*3/4 + time.Duration(r.rng.Int63n(int64(tw/2)))
}

// Run drives the engine until ctx is cancelled and returns ctx.Err().
func (r *Runner) Run(ctx context.Context) error {
	e := r.engine
	if e.Role() == RoleSink {
		return e.Listen(ctx, nil)
	}

	var nextReport time.Time
	if r.cfg.ReportEvery > 0 {
		first := r.cfg.FirstReport
		if r.cfg.ReportJitter > 0 {
			first += time.Duration(r.rng.Int63n(int64(r.cfg.ReportJitter)))
		}
		nextReport = r.clock.Now().Add(first)
	}

	for {
		timer := r.clock.NewTimer(r.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			e.Close()
			return ctx.Err()
		case <-timer.C():
		}

		if r.cfg.Bundle {
			r.bundle(ctx, &nextReport)
		} else {
			r.wake(ctx, &nextReport)
		}
	}
}

// bundle runs rounds until a Window deadline expires or ctx is done.
func (r *Runner) bundle(ctx context.Context, nextReport *time.Time) {
	window := timeutil.NewDeadline(r.clock, r.Window())
	for !window.Expired() && ctx.Err() == nil {
		r.wake(ctx, nextReport)
	}
}

// wake runs one round, notifies the observers and reports when due.
func (r *Runner) wake(ctx context.Context, nextReport *time.Time) {
	e := r.engine
	res := e.RunRound(ctx)
	for _, fn := range r.observers {
		fn(res)
	}

	if r.cfg.ReportEvery > 0 {
		if now := r.clock.Now(); !now.Before(*nextReport) {
			e.PrintStats()
			e.EnqueueLocal(e.cfg.NodeID)
			*nextReport = nextReport.Add(r.cfg.ReportEvery)
		}
	}
}
