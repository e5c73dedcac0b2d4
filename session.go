package avatarvoice

// session is the per-call aggregate, owned exclusively by the Controller. A
// fresh one is built on every Start; nothing is reused across calls.
type session struct {
	cfg       *Config
	transport TransportSession
	estimator *Estimator
	// remote is a weak monitoring reference; the transport owns the track.
	remote      RemoteTrack
	channelOpen bool
	connState   ConnectionState
}

func newSession(cfg *Config, estimator *Estimator) *session {
	return &session{
		cfg:       cfg,
		estimator: estimator,
		connState: ConnectionStateIdle,
	}
}
