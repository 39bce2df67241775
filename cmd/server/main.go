// Package main is the entry point for the Amazon Q gateway: a proxy exposing
// a Claude-compatible messages API backed by Amazon Q Developer's streaming
// conversation endpoint, multiplexed across a pool of OIDC-authenticated
// accounts.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/claudeq/gateway/internal/cmd"
	"github.com/claudeq/gateway/internal/config"
	"github.com/claudeq/gateway/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.Init()
}

func main() {
	fmt.Printf("Amazon Q Gateway Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)
	log.Infof("Amazon Q Gateway Version: %s, Commit: %s, BuiltAt: %s", Version, Commit, BuildDate)

	var login bool
	var noBrowser bool
	var logToFile bool
	var configPath string

	flag.BoolVar(&login, "login", false, "Login to Amazon Q using the OIDC device flow")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open the browser automatically during login")
	flag.BoolVar(&logToFile, "log-to-file", false, "Write logs to a rotating file instead of stdout")
	flag.StringVar(&configPath, "config", "", "Configuration file path")
	flag.Parse()

	if logToFile {
		if err := logging.ToFile(); err != nil {
			log.Fatalf("failed to configure logging: %v", err)
		}
	}

	var configFilePath string
	if configPath != "" {
		configFilePath = configPath
	} else {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configFilePath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfig(configFilePath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logging.SetLevel(cfg.Debug)

	// Expand a leading tilde in the auth directory to the user's home.
	if strings.HasPrefix(cfg.AuthDir, "~") {
		home, errHome := os.UserHomeDir()
		if errHome != nil {
			log.Fatalf("failed to get home directory: %v", errHome)
		}
		remainder := strings.TrimPrefix(cfg.AuthDir, "~")
		remainder = strings.TrimLeft(remainder, "/\\")
		if remainder == "" {
			cfg.AuthDir = home
		} else {
			normalized := strings.ReplaceAll(remainder, "\\", "/")
			cfg.AuthDir = filepath.Join(home, filepath.FromSlash(normalized))
		}
	}

	if login {
		cmd.DoLogin(cfg, &cmd.LoginOptions{NoBrowser: noBrowser})
		return
	}
	cmd.StartService(cfg, configFilePath)
}
