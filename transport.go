package avatarvoice

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/voicebridge/avatar-voice/shared"
	"go.uber.org/zap"
)

// ConnectionState mirrors the transport-level connectivity. It is the only
// authoritative connectivity signal; control-channel activity never feeds it.
type ConnectionState int

const (
	ConnectionStateIdle ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateIdle:
		return "idle"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// RemoteTrack is the monitoring view of the remote inbound audio track. The
// session never owns its lifecycle; the transport does.
type RemoteTrack interface {
	ID() string
	Live() bool
}

// MonitoredTrack wraps a webrtc remote track with a liveness flag. The
// consumer reading the track calls MarkEnded once reads fail, which the
// stream-monitoring estimator strategy polls.
type MonitoredTrack struct {
	track *webrtc.TrackRemote
	ended atomic.Bool
}

func NewMonitoredTrack(track *webrtc.TrackRemote) *MonitoredTrack {
	return &MonitoredTrack{track: track}
}

func (t *MonitoredTrack) Track() *webrtc.TrackRemote { return t.track }

func (t *MonitoredTrack) ID() string { return t.track.ID() }

func (t *MonitoredTrack) Live() bool { return !t.ended.Load() }

func (t *MonitoredTrack) MarkEnded() { t.ended.Store(true) }

// TransportObserver receives transport notifications through fixed, typed
// callback signatures. Handlers run on transport goroutines and must not
// block.
type TransportObserver interface {
	OnStateChange(state ConnectionState)
	OnRemoteTrack(track RemoteTrack)
	OnChannelOpen()
	OnChannelMessage(data []byte)
}

// TransportSession owns one peer connection with a single outbound audio
// track and the reliable control channel.
type TransportSession interface {
	SignalingPeer
	Send(data []byte) error
	ChannelReady() bool
	LocalTrack() *webrtc.TrackLocalStaticSample
	Close() error
}

// TransportFactory builds a transport wired to an observer. Injected into the
// controller so tests can substitute a fake.
type TransportFactory func(logger shared.LoggerAdapter, observer TransportObserver) (TransportSession, error)

const controlChannelLabel = "events"

type webrtcTransport struct {
	logger   shared.LoggerAdapter
	observer TransportObserver

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	audioL *webrtc.TrackLocalStaticSample
	state  ConnectionState
	closed bool
}

var _ TransportSession = (*webrtcTransport)(nil)

// NewTransport opens a peer connection with one local Opus track and the
// control channel, and maps pion state changes onto the observer.
func NewTransport(logger shared.LoggerAdapter, observer TransportObserver) (TransportSession, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if observer == nil {
		return nil, errors.New("observer is required")
	}
	t := &webrtcTransport{
		logger:   logger,
		observer: observer,
		state:    ConnectionStateIdle,
	}

	var err error
	t.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		mapped := mapPeerConnectionState(state)
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		prev := t.state
		t.state = mapped
		t.mu.Unlock()
		t.logger.Trace("peer connection state changed",
			zap.String("prev", prev.String()),
			zap.String("new", mapped.String()),
		)
		t.observer.OnStateChange(mapped)
	})

	t.audioL, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err = t.pc.AddTrack(t.audioL); err != nil {
		return nil, fmt.Errorf("adding audio track to peer connection: %w", err)
	}

	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.logger.Info("remote audio track attached",
			zap.String("id", track.ID()),
			zap.String("codec", track.Codec().MimeType),
		)
		t.observer.OnRemoteTrack(NewMonitoredTrack(track))
	})

	t.dc, err = t.pc.CreateDataChannel(controlChannelLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("creating control channel: %w", err)
	}
	t.dc.OnOpen(func() {
		t.logger.Info("control channel opened")
		t.observer.OnChannelOpen()
	})
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			t.logger.Warn("received non-string message on control channel")
			return
		}
		t.observer.OnChannelMessage(msg.Data)
	})

	return t, nil
}

func mapPeerConnectionState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return ConnectionStateIdle
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	}
	return ConnectionStateIdle
}

// LocalOffer creates the offer and commits it as the local description.
func (t *webrtcTransport) LocalOffer() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", shared.ErrTransportClosed
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return offer.SDP, nil
}

func (t *webrtcTransport) ApplyAnswer(sdp string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return shared.ErrTransportClosed
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (t *webrtcTransport) Send(data []byte) error {
	t.mu.Lock()
	dc := t.dc
	closed := t.closed
	t.mu.Unlock()
	if closed || dc == nil {
		return shared.ErrTransportClosed
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return shared.ErrChannelNotOpen
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("sending on control channel: %w", err)
	}
	return nil
}

func (t *webrtcTransport) ChannelReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.dc != nil && t.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (t *webrtcTransport) LocalTrack() *webrtc.TrackLocalStaticSample {
	return t.audioL
}

// Close releases the control channel and peer connection. Idempotent.
func (t *webrtcTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	dc := t.dc
	pc := t.pc
	t.dc = nil
	t.pc = nil
	t.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			t.logger.Warn("closing control channel failed", zap.Error(err))
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			return fmt.Errorf("closing peer connection: %w", err)
		}
	}
	return nil
}
