package avatarvoice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pion/webrtc/v4"
	"github.com/voicebridge/avatar-voice/shared"
)

type fakeTransport struct {
	mu       sync.Mutex
	offer    string
	answer   string
	sent     [][]byte
	ready    bool
	closed   bool
	offerErr error
	sendErr  error
}

var _ TransportSession = (*fakeTransport)(nil)

func (f *fakeTransport) LocalOffer() (string, error) {
	if f.offerErr != nil {
		return "", f.offerErr
	}
	if f.offer == "" {
		f.offer = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"
	}
	return f.offer, nil
}

func (f *fakeTransport) ApplyAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answer = sdp
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) ChannelReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) LocalTrack() *webrtc.TrackLocalStaticSample { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeCreds struct {
	token string
	err   error
	calls int
}

func (f *fakeCreds) Fetch(ctx context.Context, model, voice string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type callbackRecorder struct {
	mu          sync.Mutex
	states      []ConnectionState
	transcripts []string
	speaking    []bool
	errs        []error
	starts      int
	ends        int
}

func (r *callbackRecorder) callbacks() Callbacks {
	return Callbacks{
		OnConnectionStateChange: func(state ConnectionState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, state)
		},
		OnTranscriptReceived: func(delta string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transcripts = append(r.transcripts, delta)
		},
		OnBotSpeaking: func(speaking bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.speaking = append(r.speaking, speaking)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnSessionStart: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.starts++
		},
		OnSessionEnd: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ends++
		},
	}
}

func (r *callbackRecorder) locked(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// answerServer fakes the remote negotiation endpoint.
func answerServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type controllerHarness struct {
	ctrl      *Controller
	transport *fakeTransport
	creds     *fakeCreds
	rec       *callbackRecorder
	observer  TransportObserver
}

func newControllerHarness(t *testing.T, cfg *Config) *controllerHarness {
	t.Helper()
	h := &controllerHarness{
		transport: &fakeTransport{},
		creds:     &fakeCreds{token: "ek_test"},
		rec:       &callbackRecorder{},
	}
	ctrl, err := NewController(shared.NewNopLogger(), cfg, h.creds, h.rec.callbacks())
	require.NoError(t, err)
	ctrl.newTransport = func(logger shared.LoggerAdapter, observer TransportObserver) (TransportSession, error) {
		h.observer = observer
		return h.transport, nil
	}
	h.ctrl = ctrl
	return h
}

func testConfig(baseURL string) *Config {
	return &Config{
		Model:    "speech-1",
		Voice:    "ember",
		Strategy: StrategyFixed,
		BaseURL:  baseURL,
	}
}

func TestControllerStartHappyPath(t *testing.T) {
	srv := answerServer(t, http.StatusOK, "v=0\r\nanswer")
	h := newControllerHarness(t, testConfig(srv.URL))

	require.NoError(t, h.ctrl.Start(context.Background()))

	assert.Equal(t, StateConnecting, h.ctrl.State())
	assert.Equal(t, 1, h.creds.calls)
	assert.Equal(t, "v=0\r\nanswer", h.transport.answer)
	h.rec.locked(func() {
		assert.Zero(t, h.rec.starts)
		assert.Empty(t, h.rec.errs)
	})

	// The open control channel marks the session officially started.
	h.observer.OnChannelOpen()
	assert.Equal(t, StateActive, h.ctrl.State())
	h.rec.locked(func() { assert.Equal(t, 1, h.rec.starts) })
}

func TestControllerGreetingSentOnChannelOpen(t *testing.T) {
	srv := answerServer(t, http.StatusOK, "answer")
	cfg := testConfig(srv.URL)
	cfg.Greeting = "introduce yourself"
	h := newControllerHarness(t, cfg)

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.observer.OnChannelOpen()

	require.Equal(t, 1, h.transport.sentCount())
	ev := ParseEvent(h.transport.sent[0])
	assert.Equal(t, EventUnrecognized, ev.Kind(), "greeting is a client event, not a server one")
}

func TestControllerStartCredentialFailure(t *testing.T) {
	srv := answerServer(t, http.StatusOK, "answer")
	h := newControllerHarness(t, testConfig(srv.URL))
	h.creds.err = &CredentialError{Reason: "unexpected status code 503"}

	err := h.ctrl.Start(context.Background())
	require.Error(t, err)
	var credErr *CredentialError
	assert.ErrorAs(t, err, &credErr)

	assert.Equal(t, StateIdle, h.ctrl.State())
	h.rec.locked(func() {
		assert.Len(t, h.rec.errs, 1)
		assert.Zero(t, h.rec.starts)
	})
}

func TestControllerStartNegotiationFailure(t *testing.T) {
	srv := answerServer(t, http.StatusForbidden, "bad token")
	h := newControllerHarness(t, testConfig(srv.URL))

	err := h.ctrl.Start(context.Background())
	require.Error(t, err)
	var negErr *NegotiationError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, http.StatusForbidden, negErr.Status)
	assert.Equal(t, "bad token", negErr.Body)

	// Nothing may be left half-open.
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.True(t, h.transport.closed)
	h.rec.locked(func() {
		assert.Len(t, h.rec.errs, 1)
		assert.Zero(t, h.rec.starts)
	})
}

func TestControllerSecondStartRejected(t *testing.T) {
	srv := answerServer(t, http.StatusOK, "answer")
	h := newControllerHarness(t, testConfig(srv.URL))

	require.NoError(t, h.ctrl.Start(context.Background()))
	err := h.ctrl.Start(context.Background())
	assert.ErrorIs(t, err, shared.ErrSessionAlreadyRunning)
}

func TestControllerStopFromIdleIsNoop(t *testing.T) {
	h := newControllerHarness(t, testConfig("http://127.0.0.1:0"))

	require.NoError(t, h.ctrl.Stop())

	assert.Equal(t, StateIdle, h.ctrl.State())
	h.rec.locked(func() {
		assert.Zero(t, h.rec.ends)
		assert.Empty(t, h.rec.states)
	})
}

func TestControllerStopFromActive(t *testing.T) {
	srv := answerServer(t, http.StatusOK, "answer")
	h := newControllerHarness(t, testConfig(srv.URL))

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.observer.OnChannelOpen()
	require.Equal(t, StateActive, h.ctrl.State())

	require.NoError(t, h.ctrl.Stop())

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.True(t, h.transport.closed)
	h.rec.locked(func() {
		assert.Equal(t, 1, h.rec.ends)
		require.NotEmpty(t, h.rec.states)
		assert.Equal(t, ConnectionStateDisconnected, h.rec.states[len(h.rec.states)-1])
	})

	// A second Stop must not fire another OnSessionEnd.
	require.NoError(t, h.ctrl.Stop())
	h.rec.locked(func() { assert.Equal(t, 1, h.rec.ends) })
}

func TestControllerSendUserTrigger(t *testing.T) {
	srv := answerServer(t, http.StatusOK, "answer")
	h := newControllerHarness(t, testConfig(srv.URL))

	// Not active yet.
	err := h.ctrl.SendUserTrigger("hello")
	assert.ErrorIs(t, err, shared.ErrSessionNotActive)

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.observer.OnChannelOpen()

	// Active but channel not ready: warn and drop, not an error.
	require.NoError(t, h.ctrl.SendUserTrigger("hello"))
	assert.Zero(t, h.transport.sentCount())

	h.transport.mu.Lock()
	h.transport.ready = true
	h.transport.mu.Unlock()

	require.NoError(t, h.ctrl.SendUserTrigger("hello"))
	assert.Equal(t, 2, h.transport.sentCount())
}

func TestControllerMalformedMessageKeepsSessionActive(t *testing.T) {
	srv := answerServer(t, http.StatusOK, "answer")
	h := newControllerHarness(t, testConfig(srv.URL))

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.observer.OnChannelOpen()

	h.observer.OnChannelMessage([]byte(`{"type":`))
	h.observer.OnChannelMessage([]byte(`garbage`))

	assert.Equal(t, StateActive, h.ctrl.State())
	h.rec.locked(func() {
		assert.Empty(t, h.rec.errs)
		assert.Empty(t, h.rec.transcripts)
	})
}

func TestControllerTranscriptRouted(t *testing.T) {
	srv := answerServer(t, http.StatusOK, "answer")
	h := newControllerHarness(t, testConfig(srv.URL))

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.observer.OnChannelOpen()

	h.observer.OnChannelMessage([]byte(`{"type":"response.output_audio_transcript.delta","delta":"hi "}`))
	h.observer.OnChannelMessage([]byte(`{"type":"response.output_audio_transcript.delta","delta":"there"}`))

	h.rec.locked(func() {
		assert.Equal(t, []string{"hi ", "there"}, h.rec.transcripts)
	})
}

func TestControllerSpeakingFlow(t *testing.T) {
	srv := answerServer(t, http.StatusOK, "answer")
	cfg := testConfig(srv.URL)
	cfg.FixedDelayMs = 60
	h := newControllerHarness(t, cfg)

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.observer.OnChannelOpen()

	h.observer.OnChannelMessage([]byte(`{"type":"output_audio_buffer.started"}`))
	h.rec.locked(func() { assert.Equal(t, []bool{true}, h.rec.speaking) })

	h.observer.OnChannelMessage([]byte(`{"type":"output_audio_buffer.stopped"}`))

	require.Eventually(t, func() bool {
		var done bool
		h.rec.locked(func() { done = len(h.rec.speaking) == 2 })
		return done
	}, 2*time.Second, 10*time.Millisecond)
	h.rec.locked(func() { assert.Equal(t, []bool{true, false}, h.rec.speaking) })
}

func TestControllerOnStateChangeForwarded(t *testing.T) {
	srv := answerServer(t, http.StatusOK, "answer")
	h := newControllerHarness(t, testConfig(srv.URL))

	require.NoError(t, h.ctrl.Start(context.Background()))
	h.observer.OnStateChange(ConnectionStateConnected)

	assert.Equal(t, ConnectionStateConnected, h.ctrl.ConnectionState())
	h.rec.locked(func() {
		assert.Equal(t, []ConnectionState{ConnectionStateConnected}, h.rec.states)
	})

	// A post-establishment drop surfaces as failed state, never as an error.
	h.observer.OnStateChange(ConnectionStateFailed)
	h.rec.locked(func() {
		assert.Equal(t, ConnectionStateFailed, h.rec.states[len(h.rec.states)-1])
		assert.Empty(t, h.rec.errs)
	})
}

func TestControllerTransportFactoryFailure(t *testing.T) {
	srv := answerServer(t, http.StatusOK, "answer")
	h := newControllerHarness(t, testConfig(srv.URL))
	h.ctrl.newTransport = func(logger shared.LoggerAdapter, observer TransportObserver) (TransportSession, error) {
		return nil, errors.New("no media devices")
	}

	err := h.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, h.ctrl.State())
	h.rec.locked(func() { assert.Len(t, h.rec.errs, 1) })
}
