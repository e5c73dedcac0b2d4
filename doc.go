// # Avatar Voice Session Orchestrator
//
// Package avatarvoice coordinates real-time, two-way voice sessions between a local
// peer and a remote speech-generation endpoint over WebRTC. It handles the ephemeral
// credential fetch, the SDP offer/answer handshake, the data-channel event stream, and
// estimates when remote audio playback audibly starts and stops so a presentation layer
// can keep an avatar's animation in sync with the speaker output.
package avatarvoice
