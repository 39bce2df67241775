package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/claudeq/gateway/internal/accountpool"
	"github.com/claudeq/gateway/internal/api"
	amazonqauth "github.com/claudeq/gateway/internal/auth/amazonq"
	"github.com/claudeq/gateway/internal/config"
	"github.com/claudeq/gateway/internal/runtime/executor"
	"github.com/claudeq/gateway/internal/tokenizer"
	"github.com/claudeq/gateway/internal/watcher"
)

// refreshLead is how close to expiry a credential gets before the background
// refresher exchanges its refresh token.
const refreshLead = time.Hour

// StartService loads the account pool, starts the API server, wires the
// config/auth file watcher, runs the background token refresher, and blocks
// until a shutdown signal arrives.
func StartService(cfg *config.Config, configPath string) {
	ctx := context.Background()

	var store accountpool.Store
	if cfg.AuthStore == "bbolt" {
		store = accountpool.NewBboltStore(filepath.Join(cfg.AuthDir, "accounts.db"))
	} else {
		store = accountpool.NewFileStore(cfg.AuthDir)
	}
	pool := accountpool.NewManager(store)
	if err := pool.Reload(ctx); err != nil {
		log.Warnf("failed to load account pool from %s: %v", cfg.AuthDir, err)
	}
	if pool.Len() == 0 {
		log.Warnf("no Amazon Q credentials found in %s; run with -login to add one", cfg.AuthDir)
	} else {
		log.Infof("loaded %d Amazon Q credential(s)", pool.Len())
	}

	oidcClient, err := amazonqauth.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize OIDC client: %v", err)
	}

	exec := executor.NewAmazonQExecutor(cfg)
	apiServer := api.NewServer(cfg, pool, exec, tokenizer.New())

	go func() {
		if errStart := apiServer.Start(); errStart != nil {
			log.Fatalf("api server failed: %v", errStart)
		}
	}()

	fileWatcher, err := watcher.NewWatcher(configPath, cfg.AuthDir,
		func(newCfg *config.Config) {
			apiServer.UpdateConfig(newCfg)
		},
		func() {
			if errReload := pool.Reload(context.Background()); errReload != nil {
				log.Errorf("failed to reload account pool: %v", errReload)
			}
		})
	if err != nil {
		log.Fatalf("failed to create file watcher: %v", err)
	}
	watcherCtx, watcherCancel := context.WithCancel(ctx)
	if err = fileWatcher.Start(watcherCtx); err != nil {
		// The auth directory may not exist yet on a fresh install; the
		// service still works, it just won't hot-reload.
		log.Warnf("file watcher not started: %v", err)
	}
	defer func() {
		watcherCancel()
		if errStop := fileWatcher.Stop(); errStop != nil {
			log.Errorf("error stopping file watcher: %v", errStop)
		}
	}()

	refreshCtx, cancelRefresh := context.WithCancel(ctx)
	go runTokenRefresher(refreshCtx, pool, exec, oidcClient)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received, cleaning up...")
	cancelRefresh()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = apiServer.Stop(shutdownCtx); err != nil {
		log.Errorf("error stopping api server: %v", err)
	}
	log.Info("cleanup completed, exiting")
}

// oidcRefresher adapts the OIDC client's token exchange onto the narrow
// TokenRefresher slice the executor consumes.
type oidcRefresher struct {
	client *amazonqauth.Client
}

func (r oidcRefresher) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (executor.RefreshedTokens, error) {
	tokens, err := r.client.RefreshToken(ctx, clientID, clientSecret, refreshToken)
	if err != nil {
		return executor.RefreshedTokens{}, err
	}
	out := executor.RefreshedTokens{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}
	if tokens.ExpiresIn > 0 {
		out.ExpiresAt = time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	}
	return out, nil
}

// runTokenRefresher periodically walks the pool and refreshes any credential
// whose access token is within refreshLead of expiring.
func runTokenRefresher(ctx context.Context, pool *accountpool.Manager, exec *executor.AmazonQExecutor, oidcClient *amazonqauth.Client) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	refreshAll := func() {
		refresherCtx := executor.WithTokenRefresher(ctx, oidcRefresher{client: oidcClient})
		for _, auth := range pool.List() {
			expiry, ok := auth.ExpirationTime()
			if !ok || time.Until(expiry) > refreshLead {
				continue
			}
			_, label := auth.AccountInfo()
			log.Debugf("refreshing tokens for account %s", label)
			refreshed, errRefresh := exec.Refresh(refresherCtx, auth)
			if errRefresh != nil {
				log.Errorf("token refresh failed for account %s: %v", label, errRefresh)
				continue
			}
			if errSave := pool.Save(ctx, refreshed); errSave != nil {
				log.Errorf("failed to persist refreshed tokens for account %s: %v", label, errSave)
			}
		}
	}

	refreshAll()
	for {
		select {
		case <-ctx.Done():
			log.Debug("token refresher stopped")
			return
		case <-ticker.C:
			refreshAll()
		}
	}
}
