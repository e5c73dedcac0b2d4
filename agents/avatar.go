package agents

import (
	"context"
	"errors"
	"sync"
	"time"

	avatarvoice "github.com/voicebridge/avatar-voice"
	"github.com/voicebridge/avatar-voice/shared"
	"github.com/voicebridge/avatar-voice/tools"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"
)

const (
	playbackBufferMs      = 100
	playbackRingSeconds   = 2
	speakingIndicatorOn   = "🗣  speaking..."
	speakingIndicatorOff  = "🤐 idle"
	transcriptIndentLevel = 1
)

// AvatarAgent runs one end-to-end voice session: microphone capture into the
// session, remote audio out of the speakers, transcript and speaking state
// onto the terminal.
type AvatarAgent struct {
	logger   shared.LoggerAdapter
	printer  *shared.Printer
	ctrl     *avatarvoice.Controller
	micTrack mediadevices.Track
	frameDur time.Duration

	mu         sync.Mutex
	micStarted bool
	done       chan struct{}
	doneOnce   sync.Once
	cancel     context.CancelFunc
}

// Spawn wires the session controller to local audio devices and starts the
// session. The returned channel closes when the session ends.
func (a *AvatarAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *avatarvoice.Config,
	printer *shared.Printer,
) (<-chan struct{}, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.done = make(chan struct{})
	ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("spawning avatar agent")
	if err := a.printer.Writeln("🤖 Spawning avatar agent...\n", 0); err != nil {
		a.logger.Error("printing spawn message", err)
	}

	// Microphone access with audio-only constraints.
	opusParams, err := opus.NewParams()
	if err != nil {
		a.logger.Error("creating opus params", err)
		return nil, err
	}
	micStream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		a.logger.Error("getting microphone stream", err)
		if perr := a.printer.Writeln("❌ Unable to access microphone.\n", 0); perr != nil {
			a.logger.Error("printing microphone failure message", perr)
		}
		return nil, err
	}
	audioTracks := micStream.GetAudioTracks()
	if len(audioTracks) == 0 {
		return nil, errors.New("no audio track found in microphone stream")
	}
	a.micTrack = audioTracks[0]
	a.frameDur = time.Duration(opusParams.Latency)
	if err := a.printer.Writeln("✅ Microphone access granted.\n", 0); err != nil {
		a.logger.Error("printing microphone success message", err)
	}

	creds, err := avatarvoice.NewCredentialFetcher(a.logger, cfg.CredentialURL)
	if err != nil {
		a.logger.Error("creating credential fetcher", err)
		return nil, err
	}

	a.ctrl, err = avatarvoice.NewController(a.logger, cfg, creds, avatarvoice.Callbacks{
		OnConnectionStateChange: func(state avatarvoice.ConnectionState) {
			a.logger.Info("connection state changed", zap.String("state", state.String()))
			if state == avatarvoice.ConnectionStateConnected {
				a.startMicOnce(ctx)
			}
		},
		OnTranscriptReceived: func(delta string) {
			if err := a.printer.Write(delta, transcriptIndentLevel); err != nil {
				a.logger.Error("printing transcript delta", err)
			}
		},
		OnBotSpeaking: func(speaking bool) {
			line := speakingIndicatorOff
			if speaking {
				line = speakingIndicatorOn
			}
			if err := a.printer.Writeln(line, 0); err != nil {
				a.logger.Error("printing speaking indicator", err)
			}
		},
		OnError: func(err error) {
			a.logger.Error("session error", err)
			if perr := a.printer.Writeln("❌ "+err.Error(), 0); perr != nil {
				a.logger.Error("printing session error", perr)
			}
			a.finish()
		},
		OnSessionStart: func() {
			if err := a.printer.Writeln("✅ Session started. Speak freely.\n", 0); err != nil {
				a.logger.Error("printing session start message", err)
			}
		},
		OnSessionEnd: func() {
			if err := a.printer.Writeln("\n👋 Session ended.", 0); err != nil {
				a.logger.Error("printing session end message", err)
			}
			a.finish()
		},
		OnRemoteTrack: func(track avatarvoice.RemoteTrack) {
			monitored, ok := track.(*avatarvoice.MonitoredTrack)
			if !ok {
				a.logger.Warn("remote track is not playable")
				return
			}
			go tools.PlayRemoteAudio(ctx, a.logger, monitored, playbackBufferMs, playbackRingSeconds)
		},
	})
	if err != nil {
		return nil, err
	}

	if err := a.ctrl.Start(ctx); err != nil {
		return nil, err
	}
	return a.done, nil
}

func (a *AvatarAgent) startMicOnce(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.micStarted {
		return
	}
	track := a.ctrl.LocalTrack()
	if track == nil {
		a.logger.Warn("no local track to stream microphone into")
		return
	}
	a.micStarted = true
	go tools.StreamLocalAudio(ctx, a.logger, track, a.micTrack, a.frameDur)
}

// Say injects a user text turn into the running session.
func (a *AvatarAgent) Say(text string) error {
	return a.ctrl.SendUserTrigger(text)
}

func (a *AvatarAgent) Done() <-chan struct{} {
	return a.done
}

func (a *AvatarAgent) finish() {
	a.doneOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		close(a.done)
	})
}

func (a *AvatarAgent) Close() error {
	defer a.finish()
	if a.ctrl == nil {
		return nil
	}
	return a.ctrl.Stop()
}
