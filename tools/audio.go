package tools

import (
	"context"
	"io"
	"sync"
	"time"

	avatarvoice "github.com/voicebridge/avatar-voice"
	"github.com/voicebridge/avatar-voice/shared"

	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// AudioBuffer is a bounded FIFO byte buffer. Writers drop the oldest data
// when full; readers block until data arrives.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	size   int
	cap    int
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.size+len(data) > ab.cap {
		drop := ab.size + len(data) - ab.cap
		ab.buffer = ab.buffer[drop:]
		ab.size -= drop
		dropped = drop
	}
	ab.buffer = append(ab.buffer, data...)
	ab.size += len(data)
	ab.cond.Signal()
	return dropped
}

func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for ab.size == 0 {
		ab.cond.Wait()
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	ab.size -= n
	return n, nil
}

// StreamLocalAudio pumps encoded microphone frames into the session's
// outbound track until the context ends or the capture stream closes.
func StreamLocalAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackLocalStaticSample, mediaTrack mediadevices.Track, frameDuration time.Duration) {
	reader, err := mediaTrack.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				release()
				return
			}
			logger.Error("reading from media track", err)
			release()
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data[:],
			Duration: frameDuration,
		})
		release()
		if err != nil {
			logger.Error("writing sample to track", err)
			continue
		}
	}
}

// PlayRemoteAudio decodes the remote Opus track and plays it on the default
// output device. When reads fail the track is marked ended, which the
// stream-monitoring estimator strategy observes.
func PlayRemoteAudio(ctx context.Context, logger shared.LoggerAdapter, monitored *avatarvoice.MonitoredTrack, otoBufferMs, ringBufferSeconds int) {
	track := monitored.Track()
	var (
		codec      = track.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		logger.Error("creating Opus decoder", err)
		return
	}

	otoCtx, ready, err := oto.NewContext(
		&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   time.Duration(otoBufferMs) * time.Millisecond,
		},
	)
	if err != nil {
		logger.Error("creating audio output context", err)
		return
	}
	audioBuffer := NewAudioBuffer(ringBufferSeconds * sampleRate * channels * 2)
	pcm := make([]int16, int((float64(otoBufferMs)/1000)*float64(sampleRate))*channels)

	<-ready
	player := otoCtx.NewPlayer(audioBuffer)
	player.Play()
	defer func() { _ = player.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			rtp, _, err := track.ReadRTP()
			if err != nil {
				if err != io.EOF {
					logger.Error("reading RTP packet", err)
				}
				monitored.MarkEnded()
				return
			}
			if len(rtp.Payload) == 0 {
				continue
			}
			n, err := decoder.Decode(rtp.Payload, pcm)
			if err != nil {
				logger.Error("decoding Opus", err)
				continue
			}
			dropped := audioBuffer.Write(PCMBytes(pcm[:n*channels]))
			if dropped > 0 {
				logger.Warn("audio buffer dropped data", zap.Int("droppedBytes", dropped))
			}
		}
	}
}
