package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/claudeq/gateway/internal/accountpool"
	"github.com/claudeq/gateway/internal/config"
)

func testConfig(endpoint string) *config.Config {
	return &config.Config{
		AmazonQ: config.AmazonQConfig{
			Endpoint:              endpoint,
			RequestTimeoutSeconds: 5,
			ReadTimeoutSeconds:    5,
		},
	}
}

func authWithToken(token string) *accountpool.Auth {
	return &accountpool.Auth{
		ID:       "acct-1",
		Provider: "amazonq",
		Metadata: map[string]any{"access_token": token},
	}
}

func TestExecuteStreamReturnsUpstreamBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("Amz-Sdk-Invocation-Id") == "" {
			t.Errorf("missing amz-sdk-invocation-id")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("chunk-one"))
		_, _ = w.Write([]byte("chunk-two"))
	}))
	defer srv.Close()

	exec := NewAmazonQExecutor(testConfig(srv.URL))
	ch, err := exec.ExecuteStream(context.Background(), authWithToken("tok-123"), Request{Model: "m", Payload: []byte(`{}`)}, Options{Stream: true})
	if err != nil {
		t.Fatalf("ExecuteStream error: %v", err)
	}

	var got []byte
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		got = append(got, chunk.Payload...)
	}
	if string(got) != "chunk-onechunk-two" {
		t.Fatalf("stream body = %q", got)
	}
}

func TestExecuteStreamUpstreamErrorCarriesDiagnostics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-amzn-requestid", "req-42")
		w.Header().Set("x-amzn-errortype", "ThrottlingException")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"slow down"}`))
	}))
	defer srv.Close()

	exec := NewAmazonQExecutor(testConfig(srv.URL))
	_, err := exec.ExecuteStream(context.Background(), authWithToken("tok-123"), Request{Payload: []byte(`{}`)}, Options{})
	if err == nil {
		t.Fatalf("expected an UpstreamError")
	}
	upErr, ok := err.(*UpstreamError)
	if !ok {
		t.Fatalf("error type = %T, want *UpstreamError", err)
	}
	if upErr.Status != http.StatusTooManyRequests {
		t.Fatalf("Status = %d", upErr.Status)
	}
	if upErr.RequestID != "req-42" || upErr.ErrorType != "ThrottlingException" {
		t.Fatalf("diagnostics = %+v", upErr)
	}
	if upErr.Body == "" {
		t.Fatalf("expected a non-empty diagnostic body")
	}
}

func TestExecuteTruncatesLargeErrorBody(t *testing.T) {
	big := make([]byte, maxUpstreamErrorBody*2)
	for i := range big {
		big[i] = 'x'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(big)
	}))
	defer srv.Close()

	exec := NewAmazonQExecutor(testConfig(srv.URL))
	_, err := exec.Execute(context.Background(), authWithToken("tok-123"), Request{Payload: []byte(`{}`)}, Options{})
	upErr, ok := err.(*UpstreamError)
	if !ok {
		t.Fatalf("error type = %T, want *UpstreamError", err)
	}
	if len(upErr.Body) > maxUpstreamErrorBody {
		t.Fatalf("body len = %d, want <= %d", len(upErr.Body), maxUpstreamErrorBody)
	}
}

func TestExecuteMissingAccessTokenFailsFast(t *testing.T) {
	exec := NewAmazonQExecutor(testConfig("http://unused.invalid"))
	_, err := exec.Execute(context.Background(), &accountpool.Auth{}, Request{Payload: []byte(`{}`)}, Options{})
	if err == nil {
		t.Fatalf("expected an error for a credential with no access_token")
	}
}

func TestExecuteStreamCancellationClosesBody(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			_, _ = w.Write([]byte("partial"))
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	exec := NewAmazonQExecutor(testConfig(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := exec.ExecuteStream(ctx, authWithToken("tok-123"), Request{Payload: []byte(`{}`)}, Options{})
	if err != nil {
		t.Fatalf("ExecuteStream error: %v", err)
	}

	<-ch // first chunk, "partial"
	cancel()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			if chunk.Err != nil {
				if _, isCancelled := chunk.Err.(*CancelledError); !isCancelled {
					t.Fatalf("error type = %T, want *CancelledError", chunk.Err)
				}
				return
			}
		case <-timeout:
			t.Fatalf("stream did not observe cancellation in time")
		}
	}
}

func TestReleaseResponseToleratesNilArguments(t *testing.T) {
	releaseResponse(nil, nil)
}

func TestApplyAmazonQHeadersStripsHopByHopAndSetsTemplate(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Length", "123")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Host", "ignored")

	applyAmazonQHeaders(req, "tok-abc")

	for _, h := range []string{"Content-Length", "Connection", "Host", "Transfer-Encoding"} {
		if req.Header.Get(h) != "" {
			t.Fatalf("hop-by-hop header %q survived: %q", h, req.Header.Get(h))
		}
	}
	if req.Header.Get("Authorization") != "Bearer tok-abc" {
		t.Fatalf("Authorization = %q", req.Header.Get("Authorization"))
	}
	if req.Header.Get("Amz-Sdk-Invocation-Id") == "" {
		t.Fatalf("expected a generated invocation id")
	}
	if req.Header.Get("User-Agent") == "" {
		t.Fatalf("expected the reference template's User-Agent to be applied")
	}
}

func TestAccessTokenPrefersAttributesOverMetadata(t *testing.T) {
	auth := &accountpool.Auth{
		Attributes: map[string]string{"access_token": "from-attrs"},
		Metadata:   map[string]any{"access_token": "from-meta"},
	}
	if got := accessToken(auth); got != "from-attrs" {
		t.Fatalf("accessToken = %q, want from-attrs", got)
	}
}

func TestRefreshWithoutRefresherIsNoop(t *testing.T) {
	exec := NewAmazonQExecutor(testConfig("http://unused.invalid"))
	auth := authWithToken("tok-123")
	got, err := exec.Refresh(context.Background(), auth)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if got != auth {
		t.Fatalf("expected Refresh to return the same auth unchanged")
	}
}

type stubRefresher struct {
	tokens RefreshedTokens
	err    error
}

func (s stubRefresher) RefreshToken(_ context.Context, _, _, _ string) (RefreshedTokens, error) {
	return s.tokens, s.err
}

func TestRefreshAppliesNewTokens(t *testing.T) {
	exec := NewAmazonQExecutor(testConfig("http://unused.invalid"))
	auth := &accountpool.Auth{
		Metadata: map[string]any{
			"access_token":  "old-access",
			"refresh_token": "refresh-xyz",
			"client_id":     "cid",
			"client_secret": "csecret",
		},
	}
	ctx := WithTokenRefresher(context.Background(), stubRefresher{tokens: RefreshedTokens{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
	}})
	got, err := exec.Refresh(ctx, auth)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if got.Metadata["access_token"] != "new-access" {
		t.Fatalf("access_token = %v", got.Metadata["access_token"])
	}
	if got.Metadata["refresh_token"] != "new-refresh" {
		t.Fatalf("refresh_token = %v", got.Metadata["refresh_token"])
	}
}
