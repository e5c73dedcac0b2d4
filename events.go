package avatarvoice

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Wire event discriminators. The remote endpoint may emit either the buffer
// stop or the response end variant depending on response completion mode;
// both mean the same thing here.
const (
	wireTranscriptDelta       = "response.output_audio_transcript.delta"
	wireTranscriptDeltaLegacy = "response.audio_transcript.delta"
	wireAudioBufferStarted    = "output_audio_buffer.started"
	wireAudioBufferStopped    = "output_audio_buffer.stopped"
	wireAudioResponseEnd      = "response.audio.end"
	wireAudioDelta            = "response.output_audio.delta"
	wireAudioDeltaLegacy      = "response.audio.delta"
)

// nominalChunkSize is assumed when an audio delta carries no measurable
// payload.
const nominalChunkSize = 1024

type EventKind int

const (
	EventUnrecognized EventKind = iota
	EventTranscriptDelta
	EventAudioStarted
	EventAudioStopped
	EventAudioChunk
)

// SessionEvent is the closed set of typed events decoded from the control
// channel. Events are transient; they are consumed synchronously and never
// persisted.
type SessionEvent interface {
	Kind() EventKind
}

// TranscriptDelta carries an incremental piece of the remote transcript.
type TranscriptDelta struct {
	Text string
}

func (TranscriptDelta) Kind() EventKind { return EventTranscriptDelta }

// AudioStarted signals that the remote endpoint began sending audio data.
type AudioStarted struct{}

func (AudioStarted) Kind() EventKind { return EventAudioStarted }

// AudioStopped signals that the remote endpoint stopped sending audio data.
// Playback usually outlives this by a buffer-dependent amount.
type AudioStopped struct{}

func (AudioStopped) Kind() EventKind { return EventAudioStopped }

// AudioChunk reports the decoded payload size of one audio delta.
type AudioChunk struct {
	Size int
}

func (AudioChunk) Kind() EventKind { return EventAudioChunk }

// Unrecognized wraps any message the interpreter could not classify. Keeping
// the raw bytes lets callers log what the endpoint actually sent.
type Unrecognized struct {
	Raw []byte
}

func (Unrecognized) Kind() EventKind { return EventUnrecognized }

// ParseEvent decodes one control-channel message into a SessionEvent. It is
// total: malformed JSON and unknown shapes yield Unrecognized, never an
// error, so a misbehaving endpoint cannot stall the session.
func ParseEvent(data []byte) SessionEvent {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return Unrecognized{Raw: data}
	}
	typ, ok := raw["type"].(string)
	if !ok {
		return Unrecognized{Raw: data}
	}
	switch typ {
	case wireTranscriptDelta, wireTranscriptDeltaLegacy:
		if delta, ok := raw["delta"].(string); ok {
			return TranscriptDelta{Text: delta}
		}
		return Unrecognized{Raw: data}
	case wireAudioBufferStarted:
		return AudioStarted{}
	case wireAudioBufferStopped, wireAudioResponseEnd:
		return AudioStopped{}
	case wireAudioDelta, wireAudioDeltaLegacy:
		return AudioChunk{Size: audioPayloadSize(raw)}
	}
	return Unrecognized{Raw: data}
}

// audioPayloadSize estimates the decoded byte size of an audio delta. The
// payload travels base64-encoded in the delta field.
func audioPayloadSize(raw map[string]any) int {
	payload, ok := raw["delta"].(string)
	if !ok || payload == "" {
		return nominalChunkSize
	}
	size := base64.StdEncoding.DecodedLen(len(payload))
	if size <= 0 {
		return nominalChunkSize
	}
	return size
}

// UserMessageEvents builds the outbound pair that injects a user text turn: a
// conversation-item-create carrying the text, immediately followed by a
// response-create trigger.
func UserMessageEvents(text string) ([][]byte, error) {
	item := map[string]any{
		"event_id": uuid.NewString(),
		"type":     "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	trigger := map[string]any{
		"event_id": uuid.NewString(),
		"type":     "response.create",
	}
	itemBytes, err := sonic.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshaling conversation item: %w", err)
	}
	triggerBytes, err := sonic.Marshal(trigger)
	if err != nil {
		return nil, fmt.Errorf("marshaling response trigger: %w", err)
	}
	return [][]byte{itemBytes, triggerBytes}, nil
}

// GreetingEvent builds a response-create that asks the model to open the
// conversation with the given instructions.
func GreetingEvent(instructions string) ([]byte, error) {
	msg := map[string]any{
		"event_id": uuid.NewString(),
		"type":     "response.create",
		"response": map[string]any{
			"instructions": instructions,
		},
	}
	out, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling greeting: %w", err)
	}
	return out, nil
}
