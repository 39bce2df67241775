// Package cmd implements the gateway's command-line entry points: the OIDC
// device-code login flow and the long-running proxy service.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skratchdot/open-golang/open"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	amazonqauth "github.com/claudeq/gateway/internal/auth/amazonq"
	"github.com/claudeq/gateway/internal/config"
)

// LoginOptions controls the interactive parts of the login flow.
type LoginOptions struct {
	// NoBrowser suppresses opening the verification URL automatically.
	NoBrowser bool
}

// DoLogin runs the Amazon Q device-code login: it registers an OIDC client,
// starts a device authorization, sends the user to the verification page,
// polls for the issued token, and writes the credential into the auth
// directory where the account pool picks it up.
func DoLogin(cfg *config.Config, options *LoginOptions) {
	if options == nil {
		options = &LoginOptions{}
	}
	ctx := context.Background()

	log.Info("Initializing Amazon Q authentication...")
	oidcClient, err := amazonqauth.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize OIDC client: %v", err)
		return
	}

	clientID, clientSecret, err := oidcClient.RegisterClient(ctx)
	if err != nil {
		log.Fatalf("Failed to register OIDC client: %v", err)
		return
	}

	deviceAuth, err := oidcClient.DeviceAuthorize(ctx, clientID, clientSecret)
	if err != nil {
		log.Fatalf("Failed to start device authorization: %v", err)
		return
	}

	fmt.Printf("\nConfirmation code: %s\n\n", deviceAuth.UserCode)
	if options.NoBrowser {
		log.Infof("Please open this URL in your browser:\n\n%s\n", deviceAuth.VerificationURIComplete)
	} else {
		log.Info("Opening browser for authentication...")
		if err = open.Run(deviceAuth.VerificationURIComplete); err != nil {
			log.Infof("Please manually open this URL in your browser:\n\n%s\n", deviceAuth.VerificationURIComplete)
		}
	}

	log.Info("Waiting for authentication...")
	tokens, err := oidcClient.PollToken(ctx, clientID, clientSecret, deviceAuth.DeviceCode, deviceAuth.Interval, deviceAuth.ExpiresIn)
	if err != nil {
		fmt.Printf("Authentication failed: %v\n", err)
		os.Exit(1)
	}

	token := &oauth2.Token{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}
	if tokens.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	}

	fmt.Println("\nPlease input an account label (email or any alias):")
	var label string
	_, _ = fmt.Scanln(&label)

	if err = saveCredential(cfg.AuthDir, label, clientID, clientSecret, token); err != nil {
		log.Fatalf("Failed to save authentication tokens: %v", err)
		return
	}

	log.Info("Authentication successful!")
	log.Info("You can now use Amazon Q through this gateway")
}

// saveCredential writes the issued token as a JSON file in the auth
// directory, in the metadata shape the file store loads.
func saveCredential(authDir, label, clientID, clientSecret string, token *oauth2.Token) error {
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return fmt.Errorf("create auth directory: %w", err)
	}

	metadata := map[string]any{
		"type":          "amazonq",
		"access_token":  token.AccessToken,
		"refresh_token": token.RefreshToken,
		"client_id":     clientID,
		"client_secret": clientSecret,
	}
	if label != "" {
		metadata["label"] = label
	}
	if !token.Expiry.IsZero() {
		metadata["expired"] = token.Expiry.Format(time.RFC3339)
	}

	name := sanitizeFileName(label)
	if name == "" {
		name = time.Now().Format("20060102-150405")
	}
	path := filepath.Join(authDir, fmt.Sprintf("amazonq-%s.json", name))

	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err = os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	log.Infof("Credential saved to %s", path)
	return nil
}

func sanitizeFileName(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	return strings.Trim(sb.String(), "-")
}
