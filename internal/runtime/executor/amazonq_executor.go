package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/claudeq/gateway/internal/accountpool"
	"github.com/claudeq/gateway/internal/config"
	"github.com/claudeq/gateway/internal/util"
)

// maxUpstreamErrorBody bounds how much of a non-2xx response body is read
// for diagnostics; Q error bodies are small JSON objects, never worth
// buffering in full.
const maxUpstreamErrorBody = 8 * 1024

// referenceHeaders describes the CLI-class client the Q endpoint expects.
// Exact values matter: the endpoint is not documented, and was reverse
// engineered off a working client's request trace.
var referenceHeaders = map[string]string{
	"Content-Type":     "application/json",
	"User-Agent":       "aws-sdk-rust/1.3.9 os/macos lang/rust/1.87.0 exec-env/CLI md/appVersion-1.19.7",
	"X-Amz-User-Agent": "aws-sdk-rust/1.3.9 ua/2.1 api/codewhispererstreaming/1.88.0 os/macos lang/rust/1.87.0 exec-env/CLI m/E md/appVersion-1.19.7 app/AmazonQ-For-CLI",
	"Amz-Sdk-Request":  "attempt=1; max=3",
}

type ctxKey string

// RoundTripperKey lets a caller inject a custom transport (for tests, or to
// route through a corporate proxy) via context, the same way the caller
// threads a gin request context through.
const RoundTripperKey ctxKey = "amazonq-executor.roundtripper"

// AmazonQExecutor dispatches a pre-built QPayload body to the Amazon Q
// streaming conversation endpoint and returns the raw upstream byte stream
// for the caller to feed into the event-stream decoder. It does not decode
// or translate the response itself.
type AmazonQExecutor struct {
	cfg *config.Config
}

// NewAmazonQExecutor builds an executor bound to cfg's endpoint and timeouts.
func NewAmazonQExecutor(cfg *config.Config) *AmazonQExecutor {
	return &AmazonQExecutor{cfg: cfg}
}

func (e *AmazonQExecutor) Identifier() string { return "amazonq" }

func (e *AmazonQExecutor) PrepareRequest(_ *http.Request, _ *accountpool.Auth) error { return nil }

// Execute performs a single non-streaming dispatch, returning the entire
// upstream event-stream body as one Response. The caller still owns
// decoding it; Execute exists for callers that prefer to buffer instead of
// consuming a channel of chunks.
func (e *AmazonQExecutor) Execute(ctx context.Context, auth *accountpool.Auth, req Request, _ Options) (Response, error) {
	resp, client, cancel, err := e.dispatch(ctx, auth, req)
	if err != nil {
		return Response{}, err
	}
	defer cancel()
	defer releaseResponse(resp, client)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, &CancelledError{}
		}
		return Response{}, fmt.Errorf("amazonq executor: read body: %w", err)
	}
	return Response{Payload: data}, nil
}

// ExecuteStream performs the dispatch and streams the raw upstream body as a
// sequence of chunks. The response and its HTTP client are released on
// every exit path: normal EOF, a read error, and context cancellation.
func (e *AmazonQExecutor) ExecuteStream(ctx context.Context, auth *accountpool.Auth, req Request, _ Options) (<-chan StreamChunk, error) {
	resp, client, cancel, err := e.dispatch(ctx, auth, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		defer releaseResponse(resp, client)

		buf := make([]byte, 32*1024)
		for {
			select {
			case <-ctx.Done():
				out <- StreamChunk{Err: &CancelledError{}}
				return
			default:
			}
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				out <- StreamChunk{Payload: chunk}
			}
			if readErr != nil {
				if readErr == io.EOF {
					return
				}
				if ctx.Err() != nil {
					out <- StreamChunk{Err: &CancelledError{}}
					return
				}
				out <- StreamChunk{Err: fmt.Errorf("amazonq executor: stream read: %w", readErr)}
				return
			}
		}
	}()
	return out, nil
}

// Refresh exchanges a stored refresh_token for a new access_token via the
// OIDC token endpoint. It is a thin pass-through: the actual grant exchange
// lives in the OIDC collaborator, since the executor should not need to know
// the device-flow client registration details to keep a token alive.
func (e *AmazonQExecutor) Refresh(ctx context.Context, auth *accountpool.Auth) (*accountpool.Auth, error) {
	if auth == nil {
		return nil, fmt.Errorf("amazonq executor: auth is nil")
	}
	refresher, _ := ctx.Value(refresherKey).(TokenRefresher)
	if refresher == nil {
		log.Debugf("amazonq executor: refresh called with no refresher in context, leaving auth unchanged")
		return auth, nil
	}
	clientID, _ := auth.Metadata["client_id"].(string)
	clientSecret, _ := auth.Metadata["client_secret"].(string)
	refreshToken, _ := auth.Metadata["refresh_token"].(string)
	if refreshToken == "" {
		return auth, nil
	}
	tokens, err := refresher.RefreshToken(ctx, clientID, clientSecret, refreshToken)
	if err != nil {
		return nil, err
	}
	if auth.Metadata == nil {
		auth.Metadata = make(map[string]any)
	}
	auth.Metadata["access_token"] = tokens.AccessToken
	if tokens.RefreshToken != "" {
		auth.Metadata["refresh_token"] = tokens.RefreshToken
	}
	if !tokens.ExpiresAt.IsZero() {
		auth.Metadata["expired"] = tokens.ExpiresAt.Format(time.RFC3339)
	}
	auth.LastRefreshedAt = time.Now()
	return auth, nil
}

// TokenRefresher is the narrow slice of the OIDC collaborator the executor
// needs to keep a credential alive; satisfied by internal/cmd's adapter
// over the internal/auth/amazonq client.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (RefreshedTokens, error)
}

// RefreshedTokens is the result of a successful refresh-token exchange.
type RefreshedTokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

const refresherKey ctxKey = "amazonq-executor.refresher"

// WithTokenRefresher attaches a TokenRefresher to ctx for Refresh to use.
func WithTokenRefresher(ctx context.Context, r TokenRefresher) context.Context {
	return context.WithValue(ctx, refresherKey, r)
}

// dispatch sends the request and returns the live response together with
// its owning client and the cancel func for the read-timeout context guarding
// it. The cancel func must be called exactly once the caller is done with
// resp.Body, alongside releaseResponse.
func (e *AmazonQExecutor) dispatch(ctx context.Context, auth *accountpool.Auth, req Request) (*http.Response, *http.Client, context.CancelFunc, error) {
	token := accessToken(auth)
	if token == "" {
		return nil, nil, nil, fmt.Errorf("amazonq executor: auth has no access_token")
	}

	readTimeout := time.Duration(e.cfg.AmazonQ.ReadTimeoutSeconds) * time.Second
	readCtx, cancel := context.WithTimeout(ctx, readTimeout)

	endpoint := e.cfg.AmazonQ.Endpoint
	httpReq, err := http.NewRequestWithContext(readCtx, http.MethodPost, endpoint, bytes.NewReader(req.Payload))
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("amazonq executor: build request: %w", err)
	}
	applyAmazonQHeaders(httpReq, token)

	client := e.newClient(readCtx)
	resp, err := client.Do(httpReq)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, nil, nil, &CancelledError{}
		}
		if readCtx.Err() != nil {
			return nil, nil, nil, &TimeoutError{Op: "amazonq connect"}
		}
		return nil, nil, nil, fmt.Errorf("amazonq executor: dispatch: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer cancel()
		defer releaseResponse(resp, client)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamErrorBody))
		upErr := &UpstreamError{
			Status:    resp.StatusCode,
			RequestID: firstNonEmpty(resp.Header.Get("x-amzn-requestid"), resp.Header.Get("x-amz-request-id")),
			ErrorType: resp.Header.Get("x-amzn-errortype"),
			Body:      string(body),
		}
		log.Debugf("amazonq executor: upstream error %d (request-id=%s error-type=%s)", upErr.Status, upErr.RequestID, upErr.ErrorType)
		return nil, nil, nil, upErr
	}
	return resp, client, cancel, nil
}

// applyAmazonQHeaders strips hop-by-hop headers left over from the incoming
// request's context (none are copied in by dispatch, but this keeps the
// invariant explicit for anyone who later threads caller headers through),
// fills in the reference template without clobbering anything already set,
// and forces the bearer token and a fresh invocation id, mirroring a CLI
// client's request trace.
func applyAmazonQHeaders(r *http.Request, token string) {
	for _, hopByHop := range []string{"Content-Length", "Host", "Connection", "Transfer-Encoding"} {
		r.Header.Del(hopByHop)
	}
	for name, value := range referenceHeaders {
		if strings.TrimSpace(r.Header.Get(name)) == "" {
			r.Header.Set(name, value)
		}
	}
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
}

// newClient builds an http.Client with no Timeout of its own: the
// readCtx deadline set up in dispatch is what bounds the call. That deadline
// runs from dispatch to the end of the body, so a stream still open when it
// expires is cut off. The connect phase is bounded separately by the
// transport's dial and response-header timeouts. A configured proxy-url is
// honored for upstream traffic.
func (e *AmazonQExecutor) newClient(ctx context.Context) *http.Client {
	connectTimeout := time.Duration(e.cfg.AmazonQ.RequestTimeoutSeconds) * time.Second

	if rt, ok := ctx.Value(RoundTripperKey).(http.RoundTripper); ok && rt != nil {
		return &http.Client{Transport: rt}
	}

	transport, err := util.ProxyTransport(e.cfg.ProxyURL)
	if err != nil {
		log.Warnf("amazonq executor: ignoring proxy configuration: %v", err)
		transport = nil
	}
	if transport == nil {
		transport = &http.Transport{
			DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		}
	}
	transport.ResponseHeaderTimeout = connectTimeout
	return &http.Client{Transport: transport}
}

func releaseResponse(resp *http.Response, client *http.Client) {
	if resp != nil && resp.Body != nil {
		if err := resp.Body.Close(); err != nil {
			log.Debugf("amazonq executor: response body close error: %v", err)
		}
	}
	if client != nil {
		client.CloseIdleConnections()
	}
}

func accessToken(auth *accountpool.Auth) string {
	if auth == nil {
		return ""
	}
	if auth.Attributes != nil {
		if v := auth.Attributes["access_token"]; v != "" {
			return v
		}
	}
	if auth.Metadata != nil {
		if v, ok := auth.Metadata["access_token"].(string); ok {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
