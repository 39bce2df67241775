package amazonq

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ThinkingHint is appended once to a constructed message's trailing text when
// thinking mode is enabled, outside any of the framed sections.
const ThinkingHint = "<thinking_mode>interleaved</thinking_mode><max_thinking_length>16000</max_thinking_length>"

const (
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"

	toolDescriptionLimit    = 10240
	toolDescriptionTruncate = 10100

	toolCallLoopWindow    = 10
	toolCallLoopThreshold = 3
)

// ErrLoopDetected is returned when the trailing assistant turns show the same
// tool called with identical input more times than the loop threshold allows.
var ErrLoopDetected = errors.New("amazonq: detected repeated identical tool call, aborting to avoid an infinite loop")

// ErrMalformedHistory is returned when the assembled conversation history
// does not strictly alternate user/assistant turns.
var ErrMalformedHistory = errors.New("amazonq: conversation history does not alternate user/assistant turns")

func wrapThinkingContent(thinking string) string {
	return thinkingStartTag + thinking + thinkingEndTag
}

// isThinkingModeEnabled inspects a Claude request's raw "thinking" field,
// which may be absent, a bool, a string ("enabled"/"disabled"), or an object
// carrying type/enabled/budget_tokens.
func isThinkingModeEnabled(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var asBool bool
	if err := json.Unmarshal(raw, &asBool); err == nil {
		return asBool
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.EqualFold(asString, "enabled")
	}
	result := gjson.ParseBytes(raw)
	if !result.IsObject() {
		return false
	}
	if strings.EqualFold(result.Get("type").String(), "enabled") {
		return true
	}
	if enabled := result.Get("enabled"); enabled.Exists() && enabled.Type == gjson.True {
		return true
	}
	if budget := result.Get("budget_tokens"); budget.Exists() && budget.Num > 0 {
		return true
	}
	return false
}

// appendThinkingHint appends hint to text exactly once, separated by a
// newline unless text already ends in one.
func appendThinkingHint(text string) string {
	normalized := strings.TrimRight(text, " \t\n\r")
	if strings.HasSuffix(normalized, ThinkingHint) {
		return text
	}
	if text == "" {
		return ThinkingHint
	}
	separator := ""
	if !strings.HasSuffix(text, "\n") && !strings.HasSuffix(text, "\r") {
		separator = "\n"
	}
	return text + separator + ThinkingHint
}

func getCurrentTimestamp(now time.Time) string {
	local := now.Local()
	return fmt.Sprintf("%s, %s", local.Weekday().String(), local.Format("2006-01-02T15:04:05.000-07:00"))
}

var canonicalToShort = map[string]string{
	"claude-sonnet-4-20250514":   "claude-sonnet-4.5",
	"claude-sonnet-4-5-20250929": "claude-sonnet-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-3-5-sonnet-20241022": "claude-sonnet-4.5",
	"claude-3-5-sonnet-20240620": "claude-sonnet-4.5",
	"claude-sonnet-4-5":          "claude-sonnet-4.5",
	"claude-opus-4-5":            "claude-opus-4.5",
}

var validShortModels = map[string]bool{
	"claude-sonnet-4.5": true,
	"claude-haiku-4.5":  true,
	"claude-opus-4.5":   true,
}

// mapModelName normalizes a Claude model name to one of the short names
// Amazon Q accepts, detecting and stripping a trailing "-thinking" suffix.
// Unknown names fall back to the default model.
func mapModelName(claudeModel string) (model string, thinkingRequested bool) {
	normalized := strings.ToLower(strings.TrimSpace(claudeModel))
	if len(normalized) > 100 {
		return DefaultModel, false
	}

	if strings.HasSuffix(normalized, "-thinking") {
		thinkingRequested = true
		normalized = strings.TrimSuffix(normalized, "-thinking")
	}

	if normalized != "auto" && validShortModels[normalized] {
		return normalized, thinkingRequested
	}
	if short, ok := canonicalToShort[normalized]; ok {
		return short, thinkingRequested
	}
	return DefaultModel, thinkingRequested
}

// DefaultModel is returned by mapModelName for unrecognized model names.
const DefaultModel = "claude-sonnet-4.5"

// extractText concatenates text blocks and thinking blocks (wrapped in
// <thinking> tags) from a message's content, in order.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			parts = append(parts, b.Text)
		case BlockThinking:
			parts = append(parts, wrapThinkingContent(b.Text))
		}
	}
	return strings.Join(parts, "\n")
}

type qImage struct {
	Format string
	Data   string
}

func extractImages(blocks []ContentBlock) []qImage {
	var images []qImage
	for _, b := range blocks {
		if b.Type != BlockImage || b.Source.Type != "base64" {
			continue
		}
		mediaType := b.Source.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		format := "png"
		if idx := strings.LastIndex(mediaType, "/"); idx >= 0 {
			format = mediaType[idx+1:]
		}
		images = append(images, qImage{Format: format, Data: b.Source.Data})
	}
	return images
}

func imagesToJSON(images []qImage) string {
	arr := "[]"
	for _, img := range images {
		item, _ := sjson.Set("{}", "format", img.Format)
		item, _ = sjson.Set(item, "source.bytes", img.Data)
		arr, _ = sjson.SetRaw(arr, "-1", item)
	}
	return arr
}

// convertTool renders a Claude tool definition as a JSON string: Amazon Q's
// web-search passthrough shape, or a regular toolSpecification. Descriptions
// longer than toolDescriptionLimit are truncated with a pointer to the
// TOOL DOCUMENTATION section; the caller is responsible for including the
// full text there.
func convertTool(t Tool) string {
	if t.IsWebSearch() {
		out, _ := sjson.Set("{}", "type", t.Type)
		out, _ = sjson.Set(out, "name", t.Name)
		if t.MaxUses != nil {
			out, _ = sjson.Set(out, "max_uses", *t.MaxUses)
		}
		return out
	}

	desc := t.Description
	if len(desc) > toolDescriptionLimit {
		desc = desc[:toolDescriptionTruncate] + "\n\n...(Full description provided in TOOL DOCUMENTATION section)"
	}

	out, _ := sjson.Set("{}", "toolSpecification.name", t.Name)
	out, _ = sjson.Set(out, "toolSpecification.description", desc)
	schema := string(t.InputSchema)
	if schema == "" {
		schema = "{}"
	}
	out, _ = sjson.SetRaw(out, "toolSpecification.inputSchema.json", schema)
	return out
}

func placeholderTool(name string) string {
	out, _ := sjson.Set("{}", "toolSpecification.name", name)
	out, _ = sjson.Set(out, "toolSpecification.description",
		fmt.Sprintf("[Auto-generated placeholder] Tool %q was used in conversation history but not defined in current request.", name))
	out, _ = sjson.SetRaw(out, "toolSpecification.inputSchema.json", `{"type":"object","properties":{}}`)
	return out
}

// validateToolPairing returns auto-synthesized placeholder tool definitions
// for any tool_use name referenced in history but not present in tools.
func validateToolPairing(messages []Message, tools []Tool) []string {
	defined := make(map[string]bool, len(tools))
	for _, t := range tools {
		defined[t.Name] = true
	}

	usedNames := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role != RoleAssistant {
			continue
		}
		for _, b := range msg.Content {
			if b.Type == BlockToolUse && b.ToolName != "" {
				usedNames[b.ToolName] = true
			}
		}
	}

	var missing []string
	for name := range usedNames {
		if !defined[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing) // deterministic order; map iteration above is not

	var placeholders []string
	for _, name := range missing {
		placeholders = append(placeholders, placeholderTool(name))
	}
	return placeholders
}

// detectToolCallLoop examines the last toolCallLoopWindow messages for a run
// of consecutive identical assistant tool_use calls (same name, same
// canonical-JSON input), broken by any user message in between.
func detectToolCallLoop(messages []Message) error {
	window := messages
	if len(window) > toolCallLoopWindow {
		window = window[len(window)-toolCallLoopWindow:]
	}

	type call struct {
		name  string
		input string
	}
	var last *call
	consecutive := 0

	for _, msg := range window {
		switch msg.Role {
		case RoleAssistant:
			for _, b := range msg.Content {
				if b.Type != BlockToolUse {
					continue
				}
				current := call{name: b.ToolName, input: canonicalJSON(b.ToolInput)}
				if last != nil && *last == current {
					consecutive++
				} else {
					consecutive = 1
					last = &current
				}
				if consecutive >= toolCallLoopThreshold {
					return fmt.Errorf("%w: tool %q called %d times consecutively with identical input", ErrLoopDetected, current.name, consecutive)
				}
			}
		case RoleUser:
			last = nil
			consecutive = 0
		}
	}
	return nil
}

// canonicalJSON re-encodes raw JSON with sorted object keys so structurally
// identical tool inputs compare equal regardless of field order.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(sortedValue(v))
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func sortedValue(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		if arr, ok := v.([]interface{}); ok {
			sortedArr := make([]interface{}, len(arr))
			for i, e := range arr {
				sortedArr[i] = sortedValue(e)
			}
			return sortedArr
		}
		return v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(m))
	for _, k := range keys {
		ordered[k] = sortedValue(m[k])
	}
	return ordered
}

type qToolResult struct {
	ToolUseID string
	Content   []string // plain text fragments
	Status    string
}

func toolResultTextFragments(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []string{asString}
	}
	result := gjson.ParseBytes(raw)
	if !result.IsArray() {
		return nil
	}
	var frags []string
	for _, item := range result.Array() {
		if item.IsObject() {
			if t := item.Get("text"); t.Exists() {
				frags = append(frags, t.String())
				continue
			}
		} else if item.Type == gjson.String {
			frags = append(frags, item.String())
		}
	}
	return frags
}

func toolResultStatus(status string, isError bool) string {
	if status != "" {
		return status
	}
	if isError {
		return "error"
	}
	return "success"
}

// mergeToolResults folds tool_result blocks from one message's content into
// an ordered slice of qToolResult, merging duplicate tool_use_ids and
// escalating status to "error" if any instance of a duplicate is an error.
func mergeToolResults(existing []qToolResult, blocks []ContentBlock) []qToolResult {
	index := make(map[string]int, len(existing))
	for i, r := range existing {
		index[r.ToolUseID] = i
	}

	for _, b := range blocks {
		if b.Type != BlockToolResult {
			continue
		}
		frags := toolResultTextFragments(b.ToolResultContent)
		hasText := false
		for _, f := range frags {
			if strings.TrimSpace(f) != "" {
				hasText = true
				break
			}
		}
		if !hasText {
			if b.Status != "error" && !b.IsError {
				frags = []string{"Command executed successfully"}
			} else {
				frags = []string{"Tool use was cancelled by the user"}
			}
		}
		status := toolResultStatus(b.Status, b.IsError)

		if i, ok := index[b.ToolUseID]; ok {
			existing[i].Content = append(existing[i].Content, frags...)
			if status == "error" {
				existing[i].Status = "error"
			}
			continue
		}
		index[b.ToolUseID] = len(existing)
		existing = append(existing, qToolResult{ToolUseID: b.ToolUseID, Content: frags, Status: status})
	}
	return existing
}

// reorderToolResults reorders results to match order (the order tool_use
// blocks appeared in the preceding assistant message), leaving any result
// whose id is not in order appended afterward in original relative order.
func reorderToolResults(results []qToolResult, order []string) []qToolResult {
	if len(order) == 0 || len(results) == 0 {
		return results
	}
	byID := make(map[string]qToolResult, len(results))
	for _, r := range results {
		byID[r.ToolUseID] = r
	}
	used := make(map[string]bool, len(order))

	ordered := make([]qToolResult, 0, len(results))
	for _, id := range order {
		if r, ok := byID[id]; ok {
			ordered = append(ordered, r)
			used[id] = true
		}
	}
	for _, r := range results {
		if !used[r.ToolUseID] {
			ordered = append(ordered, r)
		}
	}
	return ordered
}

func toolResultsJSON(results []qToolResult) string {
	arr := "[]"
	for _, r := range results {
		item, _ := sjson.Set("{}", "toolUseId", r.ToolUseID)
		item, _ = sjson.Set(item, "status", r.Status)
		contentArr := "[]"
		for _, text := range r.Content {
			frag, _ := sjson.Set("{}", "text", text)
			contentArr, _ = sjson.SetRaw(contentArr, "-1", frag)
		}
		item, _ = sjson.SetRaw(item, "content", contentArr)
		arr, _ = sjson.SetRaw(arr, "-1", item)
	}
	return arr
}

// historyEntry is one already-rendered JSON object for conversationState.history.
type historyEntry struct {
	json        string
	role        Role
	toolResults []qToolResult // only set for userInputMessage entries, used by the alternation merger
}

// buildUserEntry renders a single Claude user message into an Amazon Q
// userInputMessage history entry, recording its tool_use reorder context.
func buildUserEntry(msg Message, toolUseOrder []string, thinkingEnabled bool) historyEntry {
	var textParts []string
	var results []qToolResult
	for _, b := range msg.Content {
		switch b.Type {
		case BlockText:
			textParts = append(textParts, b.Text)
		case BlockThinking:
			textParts = append(textParts, wrapThinkingContent(b.Text))
		case BlockToolResult:
			results = mergeToolResults(results, []ContentBlock{b})
		}
	}
	text := strings.Join(textParts, "\n")
	if thinkingEnabled {
		text = appendThinkingHint(text)
	}
	if len(results) > 0 && len(toolUseOrder) > 0 {
		results = reorderToolResults(results, toolUseOrder)
	}

	entry, _ := sjson.Set("{}", "userInputMessage.content", text)
	entry, _ = sjson.Set(entry, "userInputMessage.userInputMessageContext.envState.operatingSystem", "macos")
	entry, _ = sjson.Set(entry, "userInputMessage.userInputMessageContext.envState.currentWorkingDirectory", "/")
	entry, _ = sjson.Set(entry, "userInputMessage.origin", "KIRO_CLI")
	if len(results) > 0 {
		entry, _ = sjson.SetRaw(entry, "userInputMessage.userInputMessageContext.toolResults", toolResultsJSON(results))
	}
	if images := extractImages(msg.Content); len(images) > 0 {
		entry, _ = sjson.SetRaw(entry, "userInputMessage.images", imagesToJSON(images))
	}
	return historyEntry{json: entry, role: RoleUser, toolResults: results}
}

// buildAssistantEntry renders a single Claude assistant message into an
// Amazon Q assistantResponseMessage history entry, returning the ordered
// tool_use ids it introduced (deduplicated against seenToolUseIDs).
func buildAssistantEntry(msg Message, seenToolUseIDs map[string]bool) (historyEntry, []string) {
	text := extractText(msg.Content)
	entry, _ := sjson.Set("{}", "assistantResponseMessage.messageId", uuid.NewString())
	entry, _ = sjson.Set(entry, "assistantResponseMessage.content", text)

	var order []string
	toolUses := "[]"
	for _, b := range msg.Content {
		if b.Type != BlockToolUse || b.ToolUseID == "" || seenToolUseIDs[b.ToolUseID] {
			continue
		}
		seenToolUseIDs[b.ToolUseID] = true
		order = append(order, b.ToolUseID)

		use, _ := sjson.Set("{}", "toolUseId", b.ToolUseID)
		use, _ = sjson.Set(use, "name", b.ToolName)
		input := string(b.ToolInput)
		if input == "" {
			input = "{}"
		}
		use, _ = sjson.SetRaw(use, "input", input)
		toolUses, _ = sjson.SetRaw(toolUses, "-1", use)
	}
	if len(order) > 0 {
		entry, _ = sjson.SetRaw(entry, "assistantResponseMessage.toolUses", toolUses)
	}
	return historyEntry{json: entry, role: RoleAssistant}, order
}

// processHistory converts all-but-the-last Claude messages into Amazon Q
// history entries, merging consecutive user turns when the input doesn't
// already alternate cleanly.
func processHistory(messages []Message, thinkingEnabled bool) []historyEntry {
	seenToolUseIDs := make(map[string]bool)
	var lastToolUseOrder []string
	var raw []historyEntry

	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			raw = append(raw, buildUserEntry(msg, lastToolUseOrder, thinkingEnabled))
		case RoleAssistant:
			entry, order := buildAssistantEntry(msg, seenToolUseIDs)
			raw = append(raw, entry)
			lastToolUseOrder = order
		}
	}

	if alternates(raw) {
		return raw
	}
	return mergeConsecutiveUserEntries(raw)
}

func alternates(entries []historyEntry) bool {
	var prev Role
	for i, e := range entries {
		if i > 0 && e.role == prev {
			return false
		}
		prev = e.role
	}
	return true
}

func mergeConsecutiveUserEntries(entries []historyEntry) []historyEntry {
	var merged []historyEntry
	var pending []historyEntry

	flush := func() {
		if len(pending) == 0 {
			return
		}
		merged = append(merged, mergeUserEntries(pending))
		pending = nil
	}

	for _, e := range entries {
		if e.role == RoleUser {
			if len(e.toolResults) > 0 {
				flush()
				merged = append(merged, e)
			} else {
				pending = append(pending, e)
			}
			continue
		}
		flush()
		merged = append(merged, e)
	}
	flush()
	return merged
}

// mergeUserEntries merges a run of consecutive userInputMessage entries per
// spec: concatenated text (hint removed from sources, re-added once at the
// tail if any source had it), unioned tool results, and images from at most
// the last two source messages that carried any.
func mergeUserEntries(entries []historyEntry) historyEntry {
	var texts []string
	var allResults []qToolResult
	var imageGroups [][]qImage
	hadHint := false

	for _, e := range entries {
		parsed := gjson.Parse(e.json).Get("userInputMessage")
		content := parsed.Get("content").String()
		if strings.Contains(content, ThinkingHint) {
			hadHint = true
		}
		cleaned := strings.TrimSpace(strings.ReplaceAll(content, ThinkingHint, ""))
		if cleaned != "" {
			texts = append(texts, cleaned)
		}
		if trs := parsed.Get("userInputMessageContext.toolResults"); trs.Exists() {
			for _, tr := range trs.Array() {
				var contents []string
				for _, c := range tr.Get("content").Array() {
					contents = append(contents, c.Get("text").String())
				}
				allResults = append(allResults, qToolResult{
					ToolUseID: tr.Get("toolUseId").String(),
					Content:   contents,
					Status:    tr.Get("status").String(),
				})
			}
		}
		if imgs := parsed.Get("images"); imgs.Exists() && len(imgs.Array()) > 0 {
			var group []qImage
			for _, img := range imgs.Array() {
				group = append(group, qImage{Format: img.Get("format").String(), Data: img.Get("source.bytes").String()})
			}
			imageGroups = append(imageGroups, group)
		}
	}

	mergedText := strings.Join(texts, "\n\n")
	if hadHint {
		mergedText = appendThinkingHint(mergedText)
	}

	entry, _ := sjson.Set("{}", "userInputMessage.content", mergedText)
	entry, _ = sjson.Set(entry, "userInputMessage.userInputMessageContext.envState.operatingSystem", "macos")
	entry, _ = sjson.Set(entry, "userInputMessage.userInputMessageContext.envState.currentWorkingDirectory", "/")
	entry, _ = sjson.Set(entry, "userInputMessage.origin", "KIRO_CLI")
	if len(allResults) > 0 {
		entry, _ = sjson.SetRaw(entry, "userInputMessage.userInputMessageContext.toolResults", toolResultsJSON(allResults))
	}
	if len(imageGroups) > 0 {
		if len(imageGroups) > 2 {
			imageGroups = imageGroups[len(imageGroups)-2:]
		}
		var kept []qImage
		for _, g := range imageGroups {
			kept = append(kept, g...)
		}
		if len(kept) > 0 {
			entry, _ = sjson.SetRaw(entry, "userInputMessage.images", imagesToJSON(kept))
		}
	}
	return historyEntry{json: entry, role: RoleUser, toolResults: allResults}
}

func validateHistoryAlternation(entries []historyEntry) error {
	var prev Role
	for i, e := range entries {
		if i > 0 && e.role == prev {
			return fmt.Errorf("%w: entry %d repeats role %q", ErrMalformedHistory, i, e.role)
		}
		prev = e.role
	}
	return nil
}

// Convert transforms a Claude request into the JSON body Amazon Q's
// SendMessageStreaming endpoint expects. conversationID is generated if
// empty.
func Convert(req *Request, conversationID string) (string, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	if err := detectToolCallLoop(req.Messages); err != nil {
		return "", err
	}

	thinkingEnabled := isThinkingModeEnabled(req.Thinking)
	modelID, modelRequestsThinking := mapModelName(req.Model)
	if modelRequestsThinking {
		thinkingEnabled = true
	}

	placeholders := validateToolPairing(req.Messages, req.Tools)

	var aqTools []string
	var longDescTools []Tool
	for _, t := range req.Tools {
		if len(t.Description) > toolDescriptionLimit {
			longDescTools = append(longDescTools, t)
		}
		aqTools = append(aqTools, convertTool(t))
	}
	aqTools = append(aqTools, placeholders...)

	var lastMsg *Message
	if len(req.Messages) > 0 {
		lastMsg = &req.Messages[len(req.Messages)-1]
	}

	var promptText string
	var currentResults []qToolResult
	var images []qImage
	hasToolResult := false
	if lastMsg != nil && lastMsg.Role == RoleUser {
		images = extractImages(lastMsg.Content)
		var textParts []string
		for _, b := range lastMsg.Content {
			switch b.Type {
			case BlockText:
				textParts = append(textParts, b.Text)
			case BlockThinking:
				textParts = append(textParts, wrapThinkingContent(b.Text))
			case BlockToolResult:
				hasToolResult = true
				currentResults = mergeToolResults(currentResults, []ContentBlock{b})
			}
		}
		promptText = strings.Join(textParts, "\n")
	}

	var precedingToolUseOrder []string
	for i := len(req.Messages) - 2; i >= 0; i-- {
		if req.Messages[i].Role == RoleAssistant {
			for _, b := range req.Messages[i].Content {
				if b.Type == BlockToolUse && b.ToolUseID != "" {
					precedingToolUseOrder = append(precedingToolUseOrder, b.ToolUseID)
				}
			}
			break
		}
	}
	if len(currentResults) > 0 && len(precedingToolUseOrder) > 0 {
		currentResults = reorderToolResults(currentResults, precedingToolUseOrder)
	}

	// A current message carrying only tool results suppresses the system,
	// context, and user sections; tool documentation still rides along so the
	// backend sees the full text of truncated descriptions.
	toolResultOnly := hasToolResult && promptText == ""

	var sections []string
	if len(longDescTools) > 0 {
		var docs strings.Builder
		for _, t := range longDescTools {
			docs.WriteString("Tool: " + t.Name + "\nFull Description:\n" + t.Description + "\n")
		}
		sections = append(sections, "--- TOOL DOCUMENTATION BEGIN ---\n"+docs.String()+"--- TOOL DOCUMENTATION END ---")
	}
	if !toolResultOnly {
		if sysText := flattenSystem(req.System); sysText != "" {
			sections = append(sections, "--- SYSTEM PROMPT BEGIN ---\n"+sysText+"\n--- SYSTEM PROMPT END ---")
		}
		sections = append(sections,
			"--- CONTEXT ENTRY BEGIN ---\n"+
				"Current time: "+getCurrentTimestamp(time.Now())+"\n"+
				"--- CONTEXT ENTRY END ---\n\n"+
				"--- USER MESSAGE BEGIN ---\n"+
				promptText+"\n"+
				"--- USER MESSAGE END ---")
	}
	formatted := strings.Join(sections, "\n\n")

	if thinkingEnabled {
		formatted = appendThinkingHint(formatted)
	}

	historyMsgs := req.Messages
	if len(historyMsgs) > 0 {
		historyMsgs = historyMsgs[:len(historyMsgs)-1]
	} else {
		historyMsgs = nil
	}
	history := processHistory(historyMsgs, thinkingEnabled)
	if err := validateHistoryAlternation(history); err != nil {
		return "", err
	}

	userInputMsg, _ := sjson.Set("{}", "content", formatted)
	userInputMsg, _ = sjson.Set(userInputMsg, "userInputMessageContext.envState.operatingSystem", "macos")
	userInputMsg, _ = sjson.Set(userInputMsg, "userInputMessageContext.envState.currentWorkingDirectory", "/")
	if len(aqTools) > 0 {
		toolsArr := "[]"
		for _, t := range aqTools {
			toolsArr, _ = sjson.SetRaw(toolsArr, "-1", t)
		}
		userInputMsg, _ = sjson.SetRaw(userInputMsg, "userInputMessageContext.tools", toolsArr)
	}
	if len(currentResults) > 0 {
		userInputMsg, _ = sjson.SetRaw(userInputMsg, "userInputMessageContext.toolResults", toolResultsJSON(currentResults))
	}
	userInputMsg, _ = sjson.Set(userInputMsg, "origin", "KIRO_CLI")
	userInputMsg, _ = sjson.Set(userInputMsg, "modelId", modelID)
	if len(images) > 0 {
		userInputMsg, _ = sjson.SetRaw(userInputMsg, "images", imagesToJSON(images))
	}

	historyArr := "[]"
	for _, entry := range history {
		historyArr, _ = sjson.SetRaw(historyArr, "-1", entry.json)
	}

	body, _ := sjson.Set("{}", "conversationState.conversationId", conversationID)
	body, _ = sjson.SetRaw(body, "conversationState.history", historyArr)
	body, _ = sjson.SetRaw(body, "conversationState.currentMessage.userInputMessage", userInputMsg)
	body, _ = sjson.Set(body, "conversationState.chatTriggerType", "MANUAL")
	return body, nil
}

func flattenSystem(raw json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	result := gjson.ParseBytes(raw)
	if !result.IsArray() {
		return ""
	}
	var parts []string
	for _, block := range result.Array() {
		if block.Get("type").String() == "text" {
			parts = append(parts, block.Get("text").String())
		}
	}
	return strings.Join(parts, "\n")
}
