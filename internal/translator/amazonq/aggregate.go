package amazonq

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// AggregateFrames folds a complete Claude SSE frame sequence into the single
// JSON message body a non-streaming request returns. The frames must be the
// output of one Emitter run (message_start through message_stop).
func AggregateFrames(frames []string) string {
	body, _ := sjson.Set("{}", "type", "message")
	body, _ = sjson.Set(body, "role", "assistant")
	body, _ = sjson.SetRaw(body, "content", "[]")
	body, _ = sjson.SetRaw(body, "stop_sequence", "null")

	type block struct {
		kind     string
		text     strings.Builder
		toolID   string
		toolName string
	}
	var blocks []*block

	for _, frame := range frames {
		data := frameData(frame)
		if data == "" {
			continue
		}
		parsed := gjson.Parse(data)
		switch parsed.Get("type").String() {
		case "message_start":
			msg := parsed.Get("message")
			body, _ = sjson.Set(body, "id", msg.Get("id").String())
			body, _ = sjson.Set(body, "model", msg.Get("model").String())
			body, _ = sjson.Set(body, "usage.input_tokens", msg.Get("usage.input_tokens").Int())
		case "content_block_start":
			cb := parsed.Get("content_block")
			b := &block{kind: cb.Get("type").String()}
			if b.kind == "tool_use" {
				b.toolID = cb.Get("id").String()
				b.toolName = cb.Get("name").String()
			}
			blocks = append(blocks, b)
		case "content_block_delta":
			if len(blocks) == 0 {
				continue
			}
			b := blocks[len(blocks)-1]
			delta := parsed.Get("delta")
			switch delta.Get("type").String() {
			case "text_delta":
				b.text.WriteString(delta.Get("text").String())
			case "thinking_delta":
				b.text.WriteString(delta.Get("thinking").String())
			case "input_json_delta":
				b.text.WriteString(delta.Get("partial_json").String())
			}
		case "message_delta":
			if sr := parsed.Get("delta.stop_reason"); sr.Exists() {
				body, _ = sjson.Set(body, "stop_reason", sr.String())
			}
			if out := parsed.Get("usage.output_tokens"); out.Exists() {
				body, _ = sjson.Set(body, "usage.output_tokens", out.Int())
			}
		}
	}

	for _, b := range blocks {
		var item string
		switch b.kind {
		case "thinking":
			item, _ = sjson.Set("{}", "type", "thinking")
			item, _ = sjson.Set(item, "thinking", b.text.String())
		case "tool_use":
			item, _ = sjson.Set("{}", "type", "tool_use")
			item, _ = sjson.Set(item, "id", b.toolID)
			item, _ = sjson.Set(item, "name", b.toolName)
			input := b.text.String()
			if !gjson.Valid(input) {
				input = "{}"
			}
			item, _ = sjson.SetRaw(item, "input", input)
		default:
			item, _ = sjson.Set("{}", "type", "text")
			item, _ = sjson.Set(item, "text", b.text.String())
		}
		body, _ = sjson.SetRaw(body, "content.-1", item)
	}
	return body
}

// frameData extracts the data: payload of one SSE frame.
func frameData(frame string) string {
	for _, line := range strings.Split(frame, "\n") {
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: ")
		}
	}
	return ""
}
