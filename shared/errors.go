package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoCredentialSource    = errors.New("no credential source provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionNotActive      = errors.New("session not active")
	ErrTransportClosed       = errors.New("transport closed")
	ErrChannelNotOpen        = errors.New("control channel not open")
)
