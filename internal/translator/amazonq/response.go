package amazonq

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/claudeq/gateway/internal/thinktag"
)

// TokenCounter counts tokens for output-usage accounting. Implementations
// that cannot load a real tokenizer should report 0 rather than fail.
type TokenCounter interface {
	CountTokens(text string) int
}

// Emitter turns the decoded Amazon Q event stream into a sequence of
// Claude-compatible SSE frames. One Emitter is owned by exactly one upstream
// request.
type Emitter struct {
	model          string
	inputTokens    int
	conversationID string
	counter        TokenCounter

	responseBuffer   []string
	allToolInputs    []string
	contentBlockIdx  int
	blockStartSent   bool
	blockStopSent    bool
	messageStartSent bool
	responseEnded    bool
	hasToolUse       bool

	currentToolUseID string

	inThinkBlock bool
	thinkBuffer  string
	quoteState   thinktag.QuoteState
}

// NewEmitter constructs an Emitter for a single upstream request. counter
// may be nil, in which case output-token counts are reported as 0.
func NewEmitter(model string, inputTokens int, conversationID string, counter TokenCounter) *Emitter {
	return &Emitter{
		model:           model,
		inputTokens:     inputTokens,
		conversationID:  conversationID,
		counter:         counter,
		contentBlockIdx: -1,
	}
}

func sseFormat(eventType string, data interface{}) string {
	payload, _ := json.Marshal(data)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, payload)
}

func buildMessageStart(conversationID, model string, inputTokens int) string {
	return sseFormat("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            conversationID,
			"type":          "message",
			"role":          "assistant",
			"content":       []interface{}{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]interface{}{"input_tokens": inputTokens, "output_tokens": 0},
		},
	})
}

func buildContentBlockStart(index int, blockType string) string {
	var block map[string]interface{}
	switch blockType {
	case "text":
		block = map[string]interface{}{"type": "text", "text": ""}
	case "thinking":
		block = map[string]interface{}{"type": "thinking", "thinking": ""}
	default:
		block = map[string]interface{}{"type": blockType}
	}
	return sseFormat("content_block_start", map[string]interface{}{
		"type": "content_block_start", "index": index, "content_block": block,
	})
}

func buildContentBlockDelta(index int, text, deltaType, fieldName string) string {
	delta := map[string]interface{}{"type": deltaType}
	if fieldName != "" {
		delta[fieldName] = text
	}
	return sseFormat("content_block_delta", map[string]interface{}{
		"type": "content_block_delta", "index": index, "delta": delta,
	})
}

func buildContentBlockStop(index int) string {
	return sseFormat("content_block_stop", map[string]interface{}{"type": "content_block_stop", "index": index})
}

func buildPing() string {
	return sseFormat("ping", map[string]interface{}{"type": "ping"})
}

func buildMessageStop(outputTokens int, stopReason string) string {
	if stopReason == "" {
		stopReason = "end_turn"
	}
	delta := sseFormat("message_delta", map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]interface{}{"output_tokens": outputTokens},
	})
	stop := sseFormat("message_stop", map[string]interface{}{"type": "message_stop"})
	return delta + stop
}

func buildToolUseStart(index int, toolUseID, toolName string) string {
	return sseFormat("content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]interface{}{
			"type":  "tool_use",
			"id":    toolUseID,
			"name":  toolName,
			"input": map[string]interface{}{},
		},
	})
}

func buildToolUseInputDelta(index int, partialJSON string) string {
	return sseFormat("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": partialJSON},
	})
}

// HandleEvent processes one Amazon Q event and returns the SSE frames it
// produces, in order. Once the emitter has seen assistantResponseEnd, every
// further call is a no-op.
func (e *Emitter) HandleEvent(eventType string, payload map[string]interface{}) []string {
	if e.responseEnded {
		return nil
	}

	switch eventType {
	case "initial-response":
		return e.handleInitialResponse(payload)
	case "assistantResponseEvent":
		return e.handleAssistantResponseEvent(payload)
	case "toolUseEvent":
		return e.handleToolUseEvent(payload)
	case "assistantResponseEnd":
		return e.handleAssistantResponseEnd()
	default:
		return nil
	}
}

func (e *Emitter) handleInitialResponse(payload map[string]interface{}) []string {
	if e.messageStartSent {
		return nil
	}
	convID := e.conversationID
	if v, ok := payload["conversationId"].(string); ok && v != "" {
		convID = v
	}
	if convID == "" {
		convID = uuid.NewString()
	}
	e.conversationID = convID

	var out []string
	out = append(out, buildMessageStart(convID, e.model, e.inputTokens))
	e.messageStartSent = true
	out = append(out, buildPing())
	return out
}

func (e *Emitter) openBlock(blockType string) string {
	e.contentBlockIdx++
	e.blockStartSent = true
	e.blockStopSent = false
	return buildContentBlockStart(e.contentBlockIdx, blockType)
}

func (e *Emitter) closeBlock() string {
	e.blockStopSent = true
	e.blockStartSent = false
	return buildContentBlockStop(e.contentBlockIdx)
}

func (e *Emitter) handleAssistantResponseEvent(payload map[string]interface{}) []string {
	var out []string

	if e.currentToolUseID != "" && !e.blockStopSent {
		out = append(out, e.closeBlock())
		e.currentToolUseID = ""
	}

	content, _ := payload["content"].(string)
	if content == "" {
		return out
	}
	e.thinkBuffer += content
	out = append(out, e.drainThinkBuffer()...)
	return out
}

// drainThinkBuffer runs the thinking-tag extractor to exhaustion against the
// accumulated buffer, returning every SSE frame it produced.
func (e *Emitter) drainThinkBuffer() []string {
	var out []string
	for e.thinkBuffer != "" {
		if !e.inThinkBlock {
			produced, done := e.drainOuter()
			out = append(out, produced...)
			if done {
				break
			}
			continue
		}

		produced, done := e.drainInner()
		out = append(out, produced...)
		if done {
			break
		}
	}
	return out
}

// drainOuter handles one step of the outer (not-in-thinking-block) scan.
// done reports whether the buffer needs more input before progress can
// continue (caller should stop looping).
func (e *Emitter) drainOuter() (out []string, done bool) {
	start := thinktag.FindRealTag(e.thinkBuffer, thinktag.StartTag, 0, &e.quoteState)
	if start == -1 {
		// The whole buffer may be an unresolved prefix of "<thinking>" (in the
		// pending == len(buffer) case, emitLen below is 0): hold it back
		// rather than guess, since the next chunk may not complete the tag.
		pending := thinktag.PendingTagSuffix(e.thinkBuffer, thinktag.StartTag)
		emitLen := len(e.thinkBuffer) - pending
		if emitLen <= 0 {
			return out, true
		}
		chunk := e.thinkBuffer[:emitLen]
		if !e.blockStartSent {
			out = append(out, e.openBlock("text"))
		}
		e.responseBuffer = append(e.responseBuffer, chunk)
		out = append(out, buildContentBlockDelta(e.contentBlockIdx, chunk, "text_delta", "text"))
		e.quoteState.Update(chunk)
		e.thinkBuffer = e.thinkBuffer[emitLen:]
		return out, true
	}

	before := e.thinkBuffer[:start]
	if before != "" {
		if !e.blockStartSent {
			out = append(out, e.openBlock("text"))
		}
		e.responseBuffer = append(e.responseBuffer, before)
		out = append(out, buildContentBlockDelta(e.contentBlockIdx, before, "text_delta", "text"))
		e.quoteState.Update(before)
	}
	e.thinkBuffer = e.thinkBuffer[start+len(thinktag.StartTag):]
	e.quoteState.Reset()

	if e.blockStartSent {
		out = append(out, e.closeBlock())
	}
	out = append(out, e.openBlock("thinking"))
	e.inThinkBlock = true
	return out, false
}

// drainInner handles one step of the inner (in-thinking-block) scan.
func (e *Emitter) drainInner() (out []string, done bool) {
	end := thinktag.FindRealTag(e.thinkBuffer, thinktag.EndTag, 0, &e.quoteState)
	if end == -1 {
		pending := thinktag.PendingTagSuffix(e.thinkBuffer, thinktag.EndTag)
		emitLen := len(e.thinkBuffer) - pending
		if emitLen <= 0 {
			return out, true
		}
		chunk := e.thinkBuffer[:emitLen]
		out = append(out, buildContentBlockDelta(e.contentBlockIdx, chunk, "thinking_delta", "thinking"))
		e.thinkBuffer = e.thinkBuffer[emitLen:]
		return out, true
	}

	chunk := e.thinkBuffer[:end]
	if chunk != "" {
		out = append(out, buildContentBlockDelta(e.contentBlockIdx, chunk, "thinking_delta", "thinking"))
	}
	e.thinkBuffer = e.thinkBuffer[end+len(thinktag.EndTag):]
	out = append(out, e.closeBlock())
	e.inThinkBlock = false
	return out, false
}

func (e *Emitter) handleToolUseEvent(payload map[string]interface{}) []string {
	var out []string

	toolUseID, _ := payload["toolUseId"].(string)
	toolName, _ := payload["name"].(string)
	stop, _ := payload["stop"].(bool)

	if toolUseID != "" && toolName != "" && e.currentToolUseID == "" {
		if e.blockStartSent && !e.blockStopSent {
			out = append(out, e.closeBlock())
		}
		e.contentBlockIdx++
		out = append(out, buildToolUseStart(e.contentBlockIdx, toolUseID, toolName))
		e.currentToolUseID = toolUseID
		e.blockStartSent = true
		e.blockStopSent = false
		e.hasToolUse = true
	}

	if e.currentToolUseID != "" {
		if fragment := toolInputFragment(payload["input"]); fragment != "" {
			e.allToolInputs = append(e.allToolInputs, fragment)
			out = append(out, buildToolUseInputDelta(e.contentBlockIdx, fragment))
		}
	}

	if stop && e.currentToolUseID != "" {
		out = append(out, e.closeBlock())
		e.currentToolUseID = ""
	}

	return out
}

// toolInputFragment serializes an Amazon Q tool-input fragment, whether it
// arrived as a raw string or a structured object, to the string form the
// input_json_delta frame carries.
func toolInputFragment(input interface{}) string {
	switch v := input.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(out)
	}
}

func (e *Emitter) stopReason() string {
	if e.hasToolUse {
		return "tool_use"
	}
	return "end_turn"
}

func (e *Emitter) outputTokens() int {
	if e.counter == nil {
		return 0
	}
	text := strings.Join(e.responseBuffer, "")
	toolInput := strings.Join(e.allToolInputs, "")
	return e.counter.CountTokens(text) + e.counter.CountTokens(toolInput)
}

func (e *Emitter) handleAssistantResponseEnd() []string {
	var out []string
	if e.blockStartSent && !e.blockStopSent {
		out = append(out, e.closeBlock())
	}
	e.responseEnded = true
	out = append(out, buildMessageStop(e.outputTokens(), e.stopReason()))
	return out
}

// Finish emits the closing sequence if assistantResponseEnd was never seen
// (e.g. the upstream stream ended abruptly). It is idempotent: once
// HandleEvent has already closed the response, Finish is a no-op.
func (e *Emitter) Finish() []string {
	if e.responseEnded {
		return nil
	}
	var out []string
	if e.blockStartSent && !e.blockStopSent {
		out = append(out, e.closeBlock())
	}
	out = append(out, buildMessageStop(e.outputTokens(), e.stopReason()))
	e.responseEnded = true
	return out
}
