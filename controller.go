package avatarvoice

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"github.com/voicebridge/avatar-voice/shared"
	"go.uber.org/zap"
)

// ControllerState is the top-level session lifecycle.
type ControllerState int

const (
	StateIdle ControllerState = iota
	StateConnecting
	StateActive
	StateEnding
)

func (s ControllerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	}
	return fmt.Sprintf("ControllerState(%d)", int(s))
}

// Callbacks is the presentation-layer surface. Any field may be nil. Handlers
// run on session goroutines and must not block.
type Callbacks struct {
	OnConnectionStateChange func(state ConnectionState)
	OnTranscriptReceived    func(textDelta string)
	OnBotSpeaking           func(speaking bool)
	OnError                 func(err error)
	OnSessionStart          func()
	OnSessionEnd            func()
	// OnRemoteTrack hands the remote audio track to whoever renders it.
	OnRemoteTrack func(track RemoteTrack)
}

func (cb *Callbacks) emitConnectionState(state ConnectionState) {
	if cb.OnConnectionStateChange != nil {
		cb.OnConnectionStateChange(state)
	}
}

func (cb *Callbacks) emitTranscript(delta string) {
	if cb.OnTranscriptReceived != nil {
		cb.OnTranscriptReceived(delta)
	}
}

func (cb *Callbacks) emitSpeaking(speaking bool) {
	if cb.OnBotSpeaking != nil {
		cb.OnBotSpeaking(speaking)
	}
}

func (cb *Callbacks) emitError(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

func (cb *Callbacks) emitSessionStart() {
	if cb.OnSessionStart != nil {
		cb.OnSessionStart()
	}
}

func (cb *Callbacks) emitSessionEnd() {
	if cb.OnSessionEnd != nil {
		cb.OnSessionEnd()
	}
}

// Controller drives one voice session at a time: credential fetch, handshake,
// event interpretation, and the speaking-state estimate. Start and Stop must
// be serialized by the caller; a second Start while one session runs is
// rejected.
type Controller struct {
	logger shared.LoggerAdapter
	cfg    *Config
	cb     Callbacks
	creds  CredentialSource

	newTransport TransportFactory
	httpClient   *fasthttp.Client

	mu    sync.Mutex
	state ControllerState
	sess  *session
}

var _ TransportObserver = (*Controller)(nil)

func NewController(logger shared.LoggerAdapter, cfg *Config, creds CredentialSource, cb Callbacks) (*Controller, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, shared.ErrNoCredentialSource
	}
	return &Controller{
		logger:       logger,
		cfg:          cfg,
		cb:           cb,
		creds:        creds,
		newTransport: NewTransport,
		httpClient:   &fasthttp.Client{},
		state:        StateIdle,
	}, nil
}

// State reports the controller lifecycle state.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionState reports the transport connectivity of the current session.
func (c *Controller) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ConnectionStateIdle
	}
	return c.sess.connState
}

// LocalTrack exposes the outbound audio track of the running session, or nil.
// The capture layer writes microphone samples into it.
func (c *Controller) LocalTrack() *webrtc.TrackLocalStaticSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.transport == nil {
		return nil
	}
	return c.sess.transport.LocalTrack()
}

// Start runs the connect sequence: credential fetch, transport construction,
// offer/answer handshake. It returns once the handshake is accepted; the
// session turns active when the control channel opens. Any failure unwinds to
// a single OnError, releases everything, and lands back in idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.logger.Info("starting session",
		zap.String("model", c.cfg.Model),
		zap.String("voice", c.cfg.Voice),
		zap.String("strategy", c.cfg.Strategy.String()),
	)

	token, err := c.creds.Fetch(ctx, c.cfg.Model, c.cfg.Voice)
	if err != nil {
		return c.failStart(fmt.Errorf("fetching credential: %w", err))
	}

	estimator, err := NewEstimator(c.logger, c.cfg.Strategy, c.cfg.fixedDelay(), c.cb.emitSpeaking)
	if err != nil {
		return c.failStart(fmt.Errorf("building estimator: %w", err))
	}
	sess := newSession(c.cfg, estimator)

	transport, err := c.newTransport(c.logger, c)
	if err != nil {
		return c.failStart(fmt.Errorf("building transport: %w", err))
	}
	sess.transport = transport

	// Publish before negotiating so transport callbacks find the session.
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	if err := Negotiate(ctx, c.logger, c.httpClient, transport, c.cfg.BaseURL, token, c.cfg.Model); err != nil {
		return c.failStart(fmt.Errorf("negotiating session: %w", err))
	}
	return nil
}

// failStart unwinds a partial start: release resources, return to idle, and
// report through a single OnError.
func (c *Controller) failStart(err error) error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.state = StateIdle
	c.mu.Unlock()
	if sess != nil {
		sess.estimator.Cancel()
		if sess.transport != nil {
			if cerr := sess.transport.Close(); cerr != nil {
				c.logger.Warn("closing transport after failed start", zap.Error(cerr))
			}
		}
	}
	c.logger.Error("session start failed", err)
	c.cb.emitError(err)
	return err
}

// Stop tears the session down: cancels any pending estimator timer, closes
// the control channel and transport, and fires OnSessionEnd exactly once.
// Calling it from idle is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = StateEnding
	sess := c.sess
	c.sess = nil
	if sess != nil {
		sess.connState = ConnectionStateDisconnected
	}
	c.mu.Unlock()

	if sess != nil {
		sess.estimator.Cancel()
		if sess.transport != nil {
			if err := sess.transport.Close(); err != nil {
				c.logger.Warn("closing transport", zap.Error(err))
			}
		}
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()

	c.logger.Info("session ended")
	c.cb.emitConnectionState(ConnectionStateDisconnected)
	c.cb.emitSessionEnd()
	return nil
}

// SendUserTrigger injects a user text turn followed by a response trigger. It
// is only valid while active; an unready control channel drops the trigger
// with a warning instead of failing, since openness can race with teardown.
func (c *Controller) SendUserTrigger(promptText string) error {
	c.mu.Lock()
	state := c.state
	sess := c.sess
	c.mu.Unlock()
	if state != StateActive || sess == nil || sess.transport == nil {
		return shared.ErrSessionNotActive
	}
	if !sess.transport.ChannelReady() {
		c.logger.Warn("control channel not ready, dropping user trigger")
		return nil
	}
	msgs, err := UserMessageEvents(promptText)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := sess.transport.Send(msg); err != nil {
			return fmt.Errorf("sending user trigger: %w", err)
		}
	}
	return nil
}

// OnStateChange implements TransportObserver. Transport connectivity is
// forwarded as-is; a post-establishment drop surfaces here as failed rather
// than as an error, leaving teardown to the caller's Stop.
func (c *Controller) OnStateChange(state ConnectionState) {
	c.mu.Lock()
	if c.sess == nil || c.state == StateEnding {
		c.mu.Unlock()
		return
	}
	c.sess.connState = state
	c.mu.Unlock()
	c.cb.emitConnectionState(state)
}

// OnRemoteTrack implements TransportObserver.
func (c *Controller) OnRemoteTrack(track RemoteTrack) {
	c.mu.Lock()
	sess := c.sess
	if sess != nil {
		sess.remote = track
	}
	c.mu.Unlock()
	if sess == nil {
		return
	}
	sess.estimator.SetTrack(track)
	if c.cb.OnRemoteTrack != nil {
		c.cb.OnRemoteTrack(track)
	}
}

// OnChannelOpen implements TransportObserver. The open control channel marks
// the session as officially started, distinct from transport connected.
func (c *Controller) OnChannelOpen() {
	c.mu.Lock()
	sess := c.sess
	activated := false
	if sess != nil && c.state == StateConnecting {
		c.state = StateActive
		sess.channelOpen = true
		activated = true
	}
	c.mu.Unlock()
	if !activated {
		return
	}
	if sess.cfg.Greeting != "" {
		msg, err := GreetingEvent(sess.cfg.Greeting)
		if err != nil {
			c.logger.Error("building greeting", err)
		} else if err := sess.transport.Send(msg); err != nil {
			c.logger.Error("sending greeting", err)
		}
	}
	c.logger.Info("session active")
	c.cb.emitSessionStart()
}

// OnChannelMessage implements TransportObserver. Malformed messages are
// swallowed after a debug log; they must never stall the session.
func (c *Controller) OnChannelMessage(data []byte) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	switch ev := ParseEvent(data).(type) {
	case TranscriptDelta:
		c.cb.emitTranscript(ev.Text)
	case AudioStarted, AudioStopped, AudioChunk:
		sess.estimator.HandleEvent(ev)
	case Unrecognized:
		c.logger.Debug("unrecognized control event", zap.ByteString("raw", ev.Raw))
	}
}
