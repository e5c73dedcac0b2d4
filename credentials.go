package avatarvoice

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"github.com/voicebridge/avatar-voice/shared"
	"go.uber.org/zap"
)

// CredentialSource mints a short-lived, single-use access token for one
// session.
type CredentialSource interface {
	Fetch(ctx context.Context, model, voice string) (string, error)
}

// CredentialFetcher obtains ephemeral keys from a trusted token service. It
// performs exactly one request per call; retry policy belongs to the caller.
type CredentialFetcher struct {
	logger   shared.LoggerAdapter
	client   *fasthttp.Client
	endpoint string
}

var _ CredentialSource = (*CredentialFetcher)(nil)

func NewCredentialFetcher(logger shared.LoggerAdapter, endpoint string) (*CredentialFetcher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if endpoint == "" {
		return nil, fmt.Errorf("no credential endpoint provided")
	}
	return &CredentialFetcher{
		logger:   logger,
		client:   &fasthttp.Client{},
		endpoint: endpoint,
	}, nil
}

type credentialRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice"`
}

type credentialResponse struct {
	Data struct {
		EphemeralKey string `json:"ephemeralKey"`
	} `json:"data"`
}

// Fetch requests a token for the given model and voice. The token itself is
// never logged.
func (f *CredentialFetcher) Fetch(ctx context.Context, model, voice string) (string, error) {
	body, err := sonic.Marshal(credentialRequest{Model: model, Voice: voice})
	if err != nil {
		return "", &CredentialError{Reason: "encoding request", Err: err}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := doRequest(ctx, f.client, req, resp); err != nil {
		return "", &CredentialError{Reason: "performing request", Err: err}
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		f.logger.Warn("credential service returned non-success status",
			zap.Int("status", resp.StatusCode()),
		)
		return "", &CredentialError{
			Reason: fmt.Sprintf("unexpected status code %d", resp.StatusCode()),
		}
	}

	var parsed credentialResponse
	if err := sonic.Unmarshal(resp.Body(), &parsed); err != nil {
		return "", &CredentialError{Reason: "decoding response", Err: err}
	}
	if parsed.Data.EphemeralKey == "" {
		return "", &CredentialError{Reason: "response carries no ephemeral key"}
	}
	f.logger.Debug("ephemeral credential fetched", zap.String("model", model))
	return parsed.Data.EphemeralKey, nil
}

// doRequest runs a fasthttp exchange while honoring context cancellation; the
// request goroutine is abandoned on cancel, matching fasthttp's model.
func doRequest(ctx context.Context, client *fasthttp.Client, req *fasthttp.Request, resp *fasthttp.Response) error {
	errC := make(chan error, 1)
	go func() {
		errC <- client.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errC:
		if err != nil {
			return fmt.Errorf("performing HTTP request: %w", err)
		}
		return nil
	}
}
