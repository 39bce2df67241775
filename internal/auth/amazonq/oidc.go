// Package amazonq implements the Amazon Q device-code OIDC login flow: it
// registers a CLI-class client, starts a device authorization, and polls for
// the resulting token, mirroring the control flow an AWS SSO OIDC-based CLI
// login uses.
package amazonq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/claudeq/gateway/internal/config"
	"github.com/claudeq/gateway/internal/util"
)

const (
	oidcBase        = "https://oidc.us-east-1.amazonaws.com"
	defaultStartURL = "https://view.awsapps.com/start"

	userAgent     = "aws-sdk-rust/1.3.9 os/macos lang/rust/1.87.0 exec-env/CLI md/appVersion-1.19.7"
	xAmzUserAgent = "aws-sdk-rust/1.3.9 ua/2.1 api/ssooidc/1.88.0 os/macos lang/rust/1.87.0 exec-env/CLI m/E md/appVersion-1.19.7 app/AmazonQ-For-CLI"
	amzSdkRequest = "attempt=1; max=3"

	requestTimeout = 60 * time.Second
)

// maxPollTimeoutSec caps a device-authorization poll loop's total duration
// regardless of what the upstream expires_in claims, per spec.md's device
// authorization poll contract.
const maxPollTimeoutSec = 300

// Client talks to the Amazon Q OIDC device-authorization endpoints. The
// endpoint fields default to the real AWS endpoints but are overridable
// (unexported, test-only) so the HTTP round trip can be exercised against a
// local server.
type Client struct {
	httpClient    *http.Client
	registerURL   string
	deviceAuthURL string
	tokenURL      string
	startURL      string
}

// New builds a Client, optionally routed through cfg.ProxyURL (SOCKS5, HTTP,
// or HTTPS). cfg may be nil, in which case no proxy is configured.
func New(cfg *config.Config) (*Client, error) {
	httpClient := &http.Client{Timeout: requestTimeout}
	if cfg != nil {
		transport, err := util.ProxyTransport(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("amazonq oidc: configure proxy: %w", err)
		}
		if transport != nil {
			httpClient.Transport = transport
		}
	}
	return &Client{
		httpClient:    httpClient,
		registerURL:   oidcBase + "/client/register",
		deviceAuthURL: oidcBase + "/device_authorization",
		tokenURL:      oidcBase + "/token",
		startURL:      defaultStartURL,
	}, nil
}

// DeviceAuthorization is the response to starting a device-code flow.
type DeviceAuthorization struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// Tokens is the result of a successful token exchange.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// RegisterClient registers a public CLI-class OIDC client and returns its
// client id and secret.
func (c *Client) RegisterClient(ctx context.Context) (clientID, clientSecret string, err error) {
	payload := map[string]any{
		"clientName": "Amazon Q Developer for command line",
		"clientType": "public",
		"scopes": []string{
			"codewhisperer:completions",
			"codewhisperer:analysis",
			"codewhisperer:conversations",
		},
	}
	var out struct {
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
	}
	if err = c.postJSON(ctx, c.registerURL, payload, &out); err != nil {
		return "", "", fmt.Errorf("amazonq oidc: register client: %w", err)
	}
	return out.ClientID, out.ClientSecret, nil
}

// DeviceAuthorize starts a device-code authorization for clientID/clientSecret.
func (c *Client) DeviceAuthorize(ctx context.Context, clientID, clientSecret string) (DeviceAuthorization, error) {
	payload := map[string]any{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"startUrl":     c.startURL,
	}
	var out DeviceAuthorization
	if err := c.postJSON(ctx, c.deviceAuthURL, payload, &out); err != nil {
		return DeviceAuthorization{}, fmt.Errorf("amazonq oidc: device authorize: %w", err)
	}
	return out, nil
}

// PollToken polls the token endpoint for deviceCode until it is approved,
// denied, or the deadline (the lesser of expiresIn and 300s) passes. Only a
// 400 response with error "authorization_pending" is retried; every other
// non-200 response is a hard failure.
func (c *Client) PollToken(ctx context.Context, clientID, clientSecret, deviceCode string, interval, expiresIn int) (Tokens, error) {
	payload := map[string]any{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"deviceCode":   deviceCode,
		"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
	}

	pollInterval := time.Duration(maxInt(1, interval)) * time.Second
	deadline := time.Now().Add(time.Duration(boundedExpiry(expiresIn)) * time.Second)

	for {
		if time.Now().After(deadline) {
			return Tokens{}, errTimeout("device-authorization poll")
		}

		var tokens Tokens
		status, errBody, err := c.postJSONStatus(ctx, c.tokenURL, payload, &tokens)
		if err != nil {
			if ctx.Err() != nil {
				return Tokens{}, ctx.Err()
			}
			return Tokens{}, fmt.Errorf("amazonq oidc: poll token: %w", err)
		}
		if status == http.StatusOK {
			return tokens, nil
		}
		if status == http.StatusBadRequest && errBody.Error == "authorization_pending" {
			if !sleepOrDone(ctx, pollInterval) {
				return Tokens{}, ctx.Err()
			}
			continue
		}
		return Tokens{}, fmt.Errorf("amazonq oidc: poll token failed with status %d: %s", status, errBody.Error)
	}
}

// RefreshToken exchanges a stored refresh token for a fresh access token.
// The device-code flow (above) never needs this, but the executor's Refresh
// does once a previously issued access token expires.
func (c *Client) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (Tokens, error) {
	payload := map[string]any{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"grantType":    "refresh_token",
		"refreshToken": refreshToken,
	}
	var tokens Tokens
	if err := c.postJSON(ctx, c.tokenURL, payload, &tokens); err != nil {
		return Tokens{}, fmt.Errorf("amazonq oidc: refresh token: %w", err)
	}
	return tokens, nil
}

type oidcErrorBody struct {
	Error string `json:"error"`
}

func (c *Client) postJSON(ctx context.Context, url string, payload any, out any) error {
	status, errBody, err := c.postJSONStatus(ctx, url, payload, out)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", status, errBody.Error)
	}
	return nil
}

func (c *Client) postJSONStatus(ctx context.Context, url string, payload any, out any) (int, oidcErrorBody, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, oidcErrorBody{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return 0, oidcErrorBody{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Amz-User-Agent", xAmzUserAgent)
	req.Header.Set("Amz-Sdk-Request", amzSdkRequest)
	req.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, oidcErrorBody{}, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Debugf("amazonq oidc: response body close error: %v", closeErr)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, oidcErrorBody{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errBody oidcErrorBody
		_ = json.Unmarshal(raw, &errBody)
		return resp.StatusCode, errBody, nil
	}
	if out != nil {
		if err = json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, oidcErrorBody{}, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, oidcErrorBody{}, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func boundedExpiry(expiresIn int) int {
	e := maxInt(1, expiresIn)
	if e > maxPollTimeoutSec {
		return maxPollTimeoutSec
	}
	return e
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

type timeoutError string

func (e timeoutError) Error() string { return string(e) }
func (e timeoutError) Timeout() bool { return true }

func errTimeout(op string) error {
	return timeoutError(fmt.Sprintf("amazonq oidc: %s timed out", op))
}
