package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/protei/cardlink/internal/apdu"
)

// Mode selects which family of disruptive behavior a BehaviorController
// applies to an otherwise-normal session.
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeError   Mode = "error"
	ModeTimeout Mode = "timeout"
)

// ErrInvalidBehaviorConfig is returned by BehaviorConfig.Validate.
var ErrInvalidBehaviorConfig = errors.New("simulator: invalid behavior config")

// BehaviorConfig parameterizes a BehaviorController.
type BehaviorConfig struct {
	Mode Mode

	// ErrorRate and ErrorCodes apply when Mode is ModeError: ErrorRate is
	// the probability (0..1) that a given command's response is replaced
	// by a randomly chosen hex status word from ErrorCodes.
	ErrorRate  float64
	ErrorCodes []string

	// TimeoutProbability, TimeoutDelayMin/Max apply when Mode is
	// ModeTimeout: the probability a command's response is withheld for a
	// delay drawn uniformly from [Min, Max] before the normal response
	// delay runs.
	TimeoutProbability float64
	TimeoutDelayMin    time.Duration
	TimeoutDelayMax    time.Duration

	// ResponseDelay is applied to every response regardless of mode.
	ResponseDelay time.Duration

	// Seed drives the controller's PRNG. Zero means "seed from the current
	// time" (the non-deterministic default for production runs); a non-zero
	// value makes a run reproducible, e.g. for a test asserting an exact
	// sequence of injected errors.
	Seed int64
}

// Validate reports whether the config's probabilities and ranges are
// internally consistent.
func (c BehaviorConfig) Validate() error {
	if c.ErrorRate < 0 || c.ErrorRate > 1 {
		return fmt.Errorf("%w: error_rate %v out of [0,1]", ErrInvalidBehaviorConfig, c.ErrorRate)
	}
	if c.TimeoutProbability < 0 || c.TimeoutProbability > 1 {
		return fmt.Errorf("%w: timeout_probability %v out of [0,1]", ErrInvalidBehaviorConfig, c.TimeoutProbability)
	}
	if c.TimeoutDelayMax < c.TimeoutDelayMin {
		return fmt.Errorf("%w: timeout_delay_max below timeout_delay_min", ErrInvalidBehaviorConfig)
	}
	return nil
}

// BehaviorController drives fault injection for a simulated session: a
// configured share of responses are replaced with an error status word or
// delayed past the normal response time, and every response carries the
// configured base delay. It implements card.BehaviorController so the same
// instance can override a card.Engine's answers directly.
type BehaviorController struct {
	mu     sync.Mutex
	config BehaviorConfig
	rng    *rand.Rand

	errorCount   int
	timeoutCount int
}

// NewBehaviorController returns a controller for config. When config.Seed
// is zero the PRNG is seeded from the current time (non-deterministic); a
// non-zero seed makes the injected error/timeout sequence reproducible.
func NewBehaviorController(config BehaviorConfig) *BehaviorController {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &BehaviorController{config: config, rng: rand.New(rand.NewSource(seed))}
}

// Mode returns the configured behavior mode.
func (b *BehaviorController) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config.Mode
}

// Stats reports how many errors and timeouts have been injected since
// construction or the last ResetStats.
func (b *BehaviorController) Stats() (errorCount, timeoutCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorCount, b.timeoutCount
}

// ResetStats zeroes the injected error/timeout counters.
func (b *BehaviorController) ResetStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorCount = 0
	b.timeoutCount = 0
}

// ShouldInjectError rolls against ErrorRate when Mode is ModeError.
func (b *BehaviorController) ShouldInjectError() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.config.Mode != ModeError || b.config.ErrorRate <= 0 {
		return false
	}
	if b.rng.Float64() < b.config.ErrorRate {
		b.errorCount++
		return true
	}
	return false
}

// ErrorCode picks one of the configured error codes at random, or "6F00"
// (no precise diagnosis) when none are configured.
func (b *BehaviorController) ErrorCode() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.config.ErrorCodes) == 0 {
		return "6F00"
	}
	return b.config.ErrorCodes[b.rng.Intn(len(b.config.ErrorCodes))]
}

// ShouldTimeout rolls against TimeoutProbability when Mode is ModeTimeout.
func (b *BehaviorController) ShouldTimeout() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.config.Mode != ModeTimeout || b.config.TimeoutProbability <= 0 {
		return false
	}
	if b.rng.Float64() < b.config.TimeoutProbability {
		b.timeoutCount++
		return true
	}
	return false
}

// TimeoutDelay draws a delay uniformly from the configured timeout range.
func (b *BehaviorController) TimeoutDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	min, max := b.config.TimeoutDelayMin, b.config.TimeoutDelayMax
	if max <= min {
		return min
	}
	return min + time.Duration(b.rng.Int63n(int64(max-min)))
}

// ResponseDelay returns the base per-response delay, applied regardless
// of mode.
func (b *BehaviorController) ResponseDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config.ResponseDelay
}

// MaybeInject implements card.BehaviorController: it returns a status-word
// override when error injection fires for cmd, else nil. Timeout handling
// lives outside the card engine, in the session loop that owns the clock.
func (b *BehaviorController) MaybeInject(cmd apdu.Command) *apdu.SW {
	if !b.ShouldInjectError() {
		return nil
	}
	code := b.ErrorCode()
	if len(code) != 4 {
		return &apdu.SW{SW1: 0x6F, SW2: 0x00}
	}
	var sw1, sw2 byte
	if _, err := fmt.Sscanf(code, "%02X%02X", &sw1, &sw2); err != nil {
		return &apdu.SW{SW1: 0x6F, SW2: 0x00}
	}
	return &apdu.SW{SW1: sw1, SW2: sw2}
}

// ApplyDelay sleeps for the timeout delay (if a timeout rolls) followed by
// the base response delay, returning early if ctx is canceled.
func (b *BehaviorController) ApplyDelay(ctx context.Context) {
	if b.ShouldTimeout() {
		sleep(ctx, b.TimeoutDelay())
	}
	sleep(ctx, b.ResponseDelay())
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
