package avatarvoice

import "fmt"

// CredentialError reports a failed ephemeral credential fetch. It is fatal to
// Start; no retry happens at this layer.
type CredentialError struct {
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential fetch failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("credential fetch failed: %s", e.Reason)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// NegotiationError reports a rejected offer/answer handshake. Status and Body
// carry the remote endpoint's response for diagnostics.
type NegotiationError struct {
	Status int
	Body   string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation rejected with status %d: %s", e.Status, e.Body)
}
