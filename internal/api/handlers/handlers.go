// Package handlers provides shared plumbing for the gateway's HTTP handlers:
// the base handler struct carrying the account pool and upstream executor,
// and the Claude-style error envelope.
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/claudeq/gateway/internal/accountpool"
	"github.com/claudeq/gateway/internal/config"
	"github.com/claudeq/gateway/internal/runtime/executor"
	"github.com/claudeq/gateway/internal/tokenizer"
)

// ErrorResponse is the Claude-compatible error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a single API error.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WriteError sends a Claude-style error body with the given HTTP status.
func WriteError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, ErrorResponse{
		Type:  "error",
		Error: ErrorDetail{Type: errType, Message: message},
	})
}

// BaseAPIHandler carries the dependencies every endpoint handler needs.
type BaseAPIHandler struct {
	Cfg       *config.Config
	Pool      *accountpool.Manager
	Executor  *executor.AmazonQExecutor
	Tokenizer *tokenizer.Tokenizer
}

// NewBaseAPIHandler bundles the shared handler dependencies.
func NewBaseAPIHandler(cfg *config.Config, pool *accountpool.Manager, exec *executor.AmazonQExecutor, tok *tokenizer.Tokenizer) *BaseAPIHandler {
	return &BaseAPIHandler{Cfg: cfg, Pool: pool, Executor: exec, Tokenizer: tok}
}

// UpdateConfig swaps the handler's configuration after a hot reload.
func (h *BaseAPIHandler) UpdateConfig(cfg *config.Config) {
	h.Cfg = cfg
}
