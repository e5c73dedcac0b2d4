package avatarvoice

import (
	"context"
	"fmt"
	"net/url"

	"github.com/valyala/fasthttp"
	"github.com/voicebridge/avatar-voice/shared"
	"go.uber.org/zap"
)

// SignalingPeer is the slice of the transport the handshake needs: producing
// a committed local offer and applying the remote answer.
type SignalingPeer interface {
	LocalOffer() (string, error)
	ApplyAnswer(sdp string) error
}

// Negotiate performs the one-shot offer/answer handshake that activates a
// transport session. No renegotiation, no ICE restart; a rejected submission
// surfaces as *NegotiationError with the remote status and body.
func Negotiate(ctx context.Context, logger shared.LoggerAdapter, client *fasthttp.Client, peer SignalingPeer, baseURL, token, model string) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if client == nil {
		client = &fasthttp.Client{}
	}

	endpoint, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("parsing negotiation URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("model", model)
	endpoint.RawQuery = query.Encode()

	offer, err := peer.LocalOffer()
	if err != nil {
		return fmt.Errorf("producing local offer: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(endpoint.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.SetContentType("application/sdp")
	req.SetBodyString(offer)

	if err := doRequest(ctx, client, req, resp); err != nil {
		return fmt.Errorf("submitting offer: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK && resp.StatusCode() != fasthttp.StatusCreated {
		return &NegotiationError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}

	answer := string(resp.Body())
	if err := peer.ApplyAnswer(answer); err != nil {
		return fmt.Errorf("applying remote answer: %w", err)
	}
	logger.Debug("offer/answer handshake complete",
		zap.String("model", model),
		zap.Int("answerBytes", len(answer)),
	)
	return nil
}
