// Package claude implements the Claude-compatible /v1/messages endpoint
// backed by the Amazon Q streaming conversation API. It transcodes the
// incoming request, dispatches it upstream, decodes the binary event stream,
// and emits Claude SSE frames (or one aggregated JSON body for non-streaming
// callers).
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/claudeq/gateway/internal/accountpool"
	"github.com/claudeq/gateway/internal/api/handlers"
	"github.com/claudeq/gateway/internal/eventstream"
	"github.com/claudeq/gateway/internal/runtime/executor"
	"github.com/claudeq/gateway/internal/translator/amazonq"
)

// MessagesHandler serves POST /v1/messages.
type MessagesHandler struct {
	*handlers.BaseAPIHandler
}

// NewMessagesHandler builds the handler over the shared dependencies.
func NewMessagesHandler(base *handlers.BaseAPIHandler) *MessagesHandler {
	return &MessagesHandler{BaseAPIHandler: base}
}

// Messages handles one Claude-compatible chat exchange.
func (h *MessagesHandler) Messages(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		handlers.WriteError(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid request: %v", err))
		return
	}

	var req amazonq.Request
	if err = json.Unmarshal(rawJSON, &req); err != nil {
		handlers.WriteError(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		handlers.WriteError(c, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	conversationID := uuid.NewString()
	payload, err := amazonq.Convert(&req, conversationID)
	if err != nil {
		switch {
		case errors.Is(err, amazonq.ErrLoopDetected):
			handlers.WriteError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		case errors.Is(err, amazonq.ErrMalformedHistory):
			handlers.WriteError(c, http.StatusInternalServerError, "api_error", err.Error())
		default:
			handlers.WriteError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		}
		return
	}

	auth, err := h.Pool.Pick(c.Request.Context(), req.Model)
	if err != nil {
		handlers.WriteError(c, http.StatusServiceUnavailable, "overloaded_error", "no upstream account available")
		return
	}
	kind, label := auth.AccountInfo()
	log.Debugf("claude messages: using %s account %s (model %s, stream=%t)", kind, label, req.Model, req.Stream)

	var counter amazonq.TokenCounter
	if h.Tokenizer != nil {
		counter = h.Tokenizer
	}
	emitter := amazonq.NewEmitter(req.Model, h.inputTokens(&req), conversationID, counter)

	if req.Stream {
		h.streamResponse(c, auth, req.Model, payload, emitter)
		return
	}
	h.bufferedResponse(c, auth, req.Model, payload, emitter)
}

// streamResponse runs the upstream exchange and forwards Claude SSE frames
// to the client as they are produced.
func (h *MessagesHandler) streamResponse(c *gin.Context, auth *accountpool.Auth, model, payload string, emitter *amazonq.Emitter) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		handlers.WriteError(c, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	wroteAny := false
	writeFrames := func(frames []string) {
		for _, frame := range frames {
			if !wroteAny {
				c.Header("Content-Type", "text/event-stream")
				c.Header("Cache-Control", "no-cache")
				c.Header("Connection", "keep-alive")
				c.Header("Access-Control-Allow-Origin", "*")
				c.Status(http.StatusOK)
				wroteAny = true
			}
			_, _ = c.Writer.WriteString(frame)
			flusher.Flush()
		}
	}

	failure := h.runPipeline(c, auth, model, payload, emitter, writeFrames)
	if failure != nil && !wroteAny {
		status, errType := classifyFailure(failure)
		handlers.WriteError(c, status, errType, failure.Error())
		return
	}
	// With content already on the wire there is nothing useful to add after
	// an upstream fault: the emitter's close sequence already went out.
}

// bufferedResponse runs the same pipeline but collects every frame and
// returns one aggregated JSON message body.
func (h *MessagesHandler) bufferedResponse(c *gin.Context, auth *accountpool.Auth, model, payload string, emitter *amazonq.Emitter) {
	var frames []string
	failure := h.runPipeline(c, auth, model, payload, emitter, func(out []string) {
		frames = append(frames, out...)
	})
	if failure != nil {
		status, errType := classifyFailure(failure)
		handlers.WriteError(c, status, errType, failure.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(amazonq.AggregateFrames(frames)))
}

// runPipeline dispatches the payload upstream, decodes the event stream, and
// hands each decoded event to the emitter, forwarding produced frames through
// sink. It returns the failure that prevented any response content, or nil
// once the emitter has produced a complete (possibly truncated-but-closed)
// event sequence.
func (h *MessagesHandler) runPipeline(c *gin.Context, auth *accountpool.Auth, model, payload string, emitter *amazonq.Emitter, sink func([]string)) error {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	chunks, err := h.Executor.ExecuteStream(ctx, auth, executor.Request{Model: model, Payload: []byte(payload)}, executor.Options{Stream: true})
	if err != nil {
		h.recordFailure(auth, err)
		return err
	}

	decoder := eventstream.NewDecoder(h.Cfg.AmazonQ.MaxDecodeErrors, h.Cfg.AmazonQ.ValidateCRC)
	emitted := false

	for chunk := range chunks {
		if chunk.Err != nil {
			var cancelled *executor.CancelledError
			if errors.As(chunk.Err, &cancelled) {
				// Client went away; nothing to report, resources are
				// released by the executor.
				return nil
			}
			h.recordFailure(auth, chunk.Err)
			if emitted {
				sink(emitter.Finish())
				return nil
			}
			return chunk.Err
		}

		for _, msg := range decoder.Feed(chunk.Payload) {
			eventType := msg.Headers[":event-type"].String()
			event := decodePayload(msg)
			if frames := emitter.HandleEvent(eventType, event); len(frames) > 0 {
				emitted = true
				sink(frames)
			}
		}
		if decoder.Stopped() {
			cancel()
			protoErr := &executor.UpstreamProtocolError{
				Reason: fmt.Sprintf("decoder stopped after %d CRC error(s)", decoder.CRCErrors),
			}
			h.recordFailure(auth, protoErr)
			if emitted {
				sink(emitter.Finish())
				return nil
			}
			return protoErr
		}
	}

	if !emitted && decoder.MessagesParsed == 0 {
		protoErr := &executor.UpstreamProtocolError{Reason: "upstream stream ended with no decodable frames"}
		h.recordFailure(auth, protoErr)
		return protoErr
	}

	h.Pool.MarkSuccess(auth.ID)
	sink(emitter.Finish())
	return nil
}

// decodePayload parses a frame's JSON payload into the loose map the emitter
// consumes; non-JSON payloads produce an empty event.
func decodePayload(msg eventstream.Message) map[string]interface{} {
	if !msg.PayloadIsJSON || len(msg.Payload) == 0 {
		return map[string]interface{}{}
	}
	var event map[string]interface{}
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return map[string]interface{}{}
	}
	return event
}

func (h *MessagesHandler) recordFailure(auth *accountpool.Auth, err error) {
	failure := &accountpool.Error{Message: err.Error(), Retryable: true}
	var upstream *executor.UpstreamError
	if errors.As(err, &upstream) {
		failure.Code = upstream.ErrorType
		failure.HTTPStatus = upstream.Status
		failure.Retryable = upstream.Status >= 500 || upstream.Status == http.StatusTooManyRequests
	}
	h.Pool.MarkError(auth.ID, failure)
}

// classifyFailure maps a pipeline failure to an HTTP status and Claude error
// type for clients that have not received any stream content yet.
func classifyFailure(err error) (int, string) {
	var upstream *executor.UpstreamError
	if errors.As(err, &upstream) {
		switch {
		case upstream.Status == http.StatusTooManyRequests:
			return http.StatusTooManyRequests, "rate_limit_error"
		case upstream.Status == http.StatusUnauthorized:
			return http.StatusUnauthorized, "authentication_error"
		case upstream.Status == http.StatusForbidden:
			return http.StatusForbidden, "permission_error"
		case upstream.Status >= 500:
			return http.StatusBadGateway, "api_error"
		default:
			return upstream.Status, "invalid_request_error"
		}
	}
	var timeout *executor.TimeoutError
	if errors.As(err, &timeout) {
		return http.StatusGatewayTimeout, "api_error"
	}
	var protocol *executor.UpstreamProtocolError
	if errors.As(err, &protocol) {
		return http.StatusBadGateway, "api_error"
	}
	return http.StatusInternalServerError, "api_error"
}

// inputTokens estimates the request's input token count from its textual
// content; a missing tokenizer reports 0.
func (h *MessagesHandler) inputTokens(req *amazonq.Request) int {
	if h.Tokenizer == nil {
		return 0
	}
	var sb strings.Builder
	for _, msg := range req.Messages {
		for _, b := range msg.Content {
			if b.Text != "" {
				sb.WriteString(b.Text)
				sb.WriteString("\n")
			}
		}
	}
	return h.Tokenizer.CountTokens(sb.String())
}
