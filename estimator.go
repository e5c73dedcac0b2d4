package avatarvoice

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voicebridge/avatar-voice/shared"
	"go.uber.org/zap"
)

// Strategy selects how the estimator infers the end of audible playback after
// the remote endpoint stops sending audio data.
type Strategy int

const (
	// StrategySmart derives the residual buffer delay from the timing and size
	// of the most recent audio chunks. Default.
	StrategySmart Strategy = iota
	// StrategyFixed waits a configured fixed duration after the stop event.
	StrategyFixed
	// StrategyStreamMonitor polls the remote track's liveness until it ends or
	// the attempt ceiling is reached.
	StrategyStreamMonitor
)

func (s Strategy) String() string {
	switch s {
	case StrategySmart:
		return "smart"
	case StrategyFixed:
		return "fixed"
	case StrategyStreamMonitor:
		return "stream-monitor"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "smart":
		return StrategySmart, nil
	case "fixed":
		return StrategyFixed, nil
	case "stream-monitor", "stream_monitor":
		return StrategyStreamMonitor, nil
	}
	return StrategySmart, fmt.Errorf("unknown estimator strategy: %q", s)
}

func (s Strategy) MarshalYAML() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalYAML(data []byte) error {
	parsed, err := ParseStrategy(strings.Trim(string(data), `"'`))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

const (
	defaultFixedDelay = time.Second

	// Smart strategy: remote audio is 16 kHz mono PCM16, so one byte pair is
	// one sample. The margin absorbs transport and jitter-buffer latency.
	chunkSampleRate     = 16000
	chunkBytesPerSample = 2
	minChunkDuration    = 500 * time.Millisecond
	smartLatencyMargin  = 300 * time.Millisecond

	defaultPollInterval = 100 * time.Millisecond
	defaultPollAttempts = 50
)

// Estimator turns data-level audio lifecycle events into a debounced
// "remote party is audibly speaking" signal. The on-transition is always
// synchronous; only the off-transition is delay-estimated, through the
// selected strategy. At most one pending off-timer exists at any time.
type Estimator struct {
	logger     shared.LoggerAdapter
	notify     func(speaking bool)
	strategy   Strategy
	fixedDelay time.Duration

	mu            sync.Mutex
	speaking      bool
	lastChunkAt   time.Time
	chunkDuration time.Duration
	timerGen      uint64
	offTimer      *time.Timer
	pollAttempts  int
	track         RemoteTrack

	now          func() time.Time
	pollInterval time.Duration
	pollCap      int
}

func NewEstimator(logger shared.LoggerAdapter, strategy Strategy, fixedDelay time.Duration, notify func(speaking bool)) (*Estimator, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if notify == nil {
		return nil, fmt.Errorf("no notify callback provided")
	}
	if fixedDelay <= 0 {
		fixedDelay = defaultFixedDelay
	}
	return &Estimator{
		logger:       logger,
		notify:       notify,
		strategy:     strategy,
		fixedDelay:   fixedDelay,
		now:          time.Now,
		pollInterval: defaultPollInterval,
		pollCap:      defaultPollAttempts,
	}, nil
}

// SetTrack points the estimator at the current remote track and resets all
// bookkeeping, since chunk timing from a previous track is meaningless.
func (e *Estimator) SetTrack(track RemoteTrack) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.track = track
	e.lastChunkAt = time.Time{}
	e.chunkDuration = 0
	e.pollAttempts = 0
	e.cancelLocked()
}

// Cancel drops any pending off-timer without emitting a transition. Safe to
// call when no timer is scheduled or after one has already fired.
func (e *Estimator) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelLocked()
}

// Speaking reports the current estimate.
func (e *Estimator) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// HandleEvent consumes audio-lifecycle events. Transcript and unrecognized
// events are ignored here.
func (e *Estimator) HandleEvent(ev SessionEvent) {
	switch ev := ev.(type) {
	case AudioStarted:
		e.handleStarted()
	case AudioStopped:
		e.handleStopped()
	case AudioChunk:
		e.handleChunk(ev.Size)
	}
}

func (e *Estimator) handleStarted() {
	e.mu.Lock()
	e.cancelLocked()
	e.pollAttempts = 0
	fire := !e.speaking
	e.speaking = true
	e.mu.Unlock()
	if fire {
		e.notify(true)
	}
}

func (e *Estimator) handleChunk(size int) {
	if size <= 0 {
		size = nominalChunkSize
	}
	d := time.Duration(float64(size) / (chunkSampleRate * chunkBytesPerSample) * float64(time.Second))
	if d < minChunkDuration {
		d = minChunkDuration
	}
	e.mu.Lock()
	e.lastChunkAt = e.now()
	e.chunkDuration = d
	e.mu.Unlock()
}

func (e *Estimator) handleStopped() {
	e.mu.Lock()
	if !e.speaking {
		e.mu.Unlock()
		return
	}
	if e.offTimer != nil {
		// A second stop while a timer is pending reuses it; rescheduling here
		// would stretch the off-transition on duplicate stop events.
		e.mu.Unlock()
		return
	}
	switch e.strategy {
	case StrategyFixed:
		e.scheduleOffLocked(e.fixedDelay)
		e.mu.Unlock()
	case StrategySmart:
		delay := e.smartDelayLocked()
		e.scheduleOffLocked(delay)
		e.mu.Unlock()
	case StrategyStreamMonitor:
		if e.track == nil {
			e.declareIdleLocked()
			return
		}
		e.pollAttempts = 0
		e.schedulePollLocked()
		e.mu.Unlock()
	default:
		e.scheduleOffLocked(e.fixedDelay)
		e.mu.Unlock()
	}
}

// smartDelayLocked estimates how much buffered audio is still unplayed. The
// result is never below the fixed latency margin.
func (e *Estimator) smartDelayLocked() time.Duration {
	var bufferDelay time.Duration
	if !e.lastChunkAt.IsZero() {
		bufferDelay = e.chunkDuration - e.now().Sub(e.lastChunkAt)
		if bufferDelay < 0 {
			bufferDelay = 0
		}
	}
	return bufferDelay + smartLatencyMargin
}

func (e *Estimator) scheduleOffLocked(delay time.Duration) {
	e.timerGen++
	gen := e.timerGen
	e.offTimer = time.AfterFunc(delay, func() { e.offTimerFired(gen) })
	e.logger.Debug("scheduled speaking-off timer",
		zap.Duration("delay", delay),
		zap.String("strategy", e.strategy.String()),
	)
}

func (e *Estimator) offTimerFired(gen uint64) {
	e.mu.Lock()
	if gen != e.timerGen {
		e.mu.Unlock()
		return
	}
	e.offTimer = nil
	if !e.speaking {
		e.mu.Unlock()
		return
	}
	e.declareIdleLocked()
}

func (e *Estimator) schedulePollLocked() {
	e.timerGen++
	gen := e.timerGen
	e.offTimer = time.AfterFunc(e.pollInterval, func() { e.pollFired(gen) })
}

func (e *Estimator) pollFired(gen uint64) {
	e.mu.Lock()
	if gen != e.timerGen {
		e.mu.Unlock()
		return
	}
	e.offTimer = nil
	if !e.speaking {
		e.mu.Unlock()
		return
	}
	e.pollAttempts++
	if e.track == nil || !e.track.Live() || e.pollAttempts >= e.pollCap {
		if e.pollAttempts >= e.pollCap {
			e.logger.Warn("stream monitor hit attempt ceiling, declaring idle",
				zap.Int("attempts", e.pollAttempts),
			)
		}
		e.declareIdleLocked()
		return
	}
	e.schedulePollLocked()
	e.mu.Unlock()
}

// declareIdleLocked flips the estimate to not-speaking and notifies. It
// unlocks e.mu; the callback runs outside the lock.
func (e *Estimator) declareIdleLocked() {
	e.speaking = false
	e.pollAttempts = 0
	e.mu.Unlock()
	e.notify(false)
}

// cancelLocked invalidates any scheduled timer. Bumping the generation makes
// an already-fired callback a no-op, so cancellation is idempotent.
func (e *Estimator) cancelLocked() {
	e.timerGen++
	if e.offTimer != nil {
		e.offTimer.Stop()
		e.offTimer = nil
	}
}
