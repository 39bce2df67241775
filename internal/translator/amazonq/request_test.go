package amazonq

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func rawMsg(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestMapModelName(t *testing.T) {
	cases := []struct {
		name          string
		input         string
		wantModel     string
		wantThinking  bool
	}{
		{"short name passthrough", "claude-sonnet-4.5", "claude-sonnet-4.5", false},
		{"canonical alias", "claude-sonnet-4-20250514", "claude-sonnet-4.5", false},
		{"older alias maps forward", "claude-3-5-sonnet-20241022", "claude-sonnet-4.5", false},
		{"thinking suffix stripped and flagged", "claude-opus-4.5-thinking", "claude-opus-4.5", true},
		{"auto rejected", "auto", DefaultModel, false},
		{"unknown falls back to default", "some-unheard-of-model", DefaultModel, false},
		{"case and whitespace normalized", "  Claude-Opus-4.5  ", "claude-opus-4.5", false},
		{"overlong name falls back", strings.Repeat("x", 200), DefaultModel, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			model, thinking := mapModelName(c.input)
			if model != c.wantModel || thinking != c.wantThinking {
				t.Fatalf("mapModelName(%q) = (%q, %v), want (%q, %v)", c.input, model, thinking, c.wantModel, c.wantThinking)
			}
		})
	}
}

func TestIsThinkingModeEnabled(t *testing.T) {
	cases := []struct {
		name string
		raw  json.RawMessage
		want bool
	}{
		{"absent", nil, false},
		{"bool true", rawMsg(t, true), true},
		{"bool false", rawMsg(t, false), false},
		{"string enabled", rawMsg(t, "enabled"), true},
		{"string ENABLED case-insensitive", rawMsg(t, "ENABLED"), true},
		{"string disabled", rawMsg(t, "disabled"), false},
		{"object type enabled", json.RawMessage(`{"type":"enabled"}`), true},
		{"object enabled true", json.RawMessage(`{"enabled":true}`), true},
		{"object budget_tokens positive", json.RawMessage(`{"budget_tokens":2000}`), true},
		{"object budget_tokens zero", json.RawMessage(`{"budget_tokens":0}`), false},
		{"empty object", json.RawMessage(`{}`), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := isThinkingModeEnabled(c.raw); got != c.want {
				t.Fatalf("isThinkingModeEnabled(%s) = %v, want %v", c.raw, got, c.want)
			}
		})
	}
}

func TestAppendThinkingHintDedup(t *testing.T) {
	once := appendThinkingHint("hello")
	if strings.Count(once, ThinkingHint) != 1 {
		t.Fatalf("expected hint appended once, got %q", once)
	}
	twice := appendThinkingHint(once)
	if twice != once {
		t.Fatalf("appendThinkingHint should be idempotent, got %q then %q", once, twice)
	}
}

func TestConvertToolRegular(t *testing.T) {
	tool := Tool{
		Name:        "get_weather",
		Description: "Gets the weather for a city",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
	}
	out := convertTool(tool)
	if got := gjson.Get(out, "toolSpecification.name").String(); got != "get_weather" {
		t.Fatalf("name = %q", got)
	}
	if got := gjson.Get(out, "toolSpecification.inputSchema.json.properties.city.type").String(); got != "string" {
		t.Fatalf("schema not preserved: %s", out)
	}
}

func TestConvertToolTruncatesLongDescription(t *testing.T) {
	tool := Tool{
		Name:        "verbose_tool",
		Description: strings.Repeat("a", toolDescriptionLimit+1),
	}
	out := convertTool(tool)
	desc := gjson.Get(out, "toolSpecification.description").String()
	if len(desc) >= toolDescriptionLimit {
		t.Fatalf("expected truncated description, got length %d", len(desc))
	}
	if !strings.Contains(desc, "TOOL DOCUMENTATION") {
		t.Fatalf("expected pointer to TOOL DOCUMENTATION section, got %q", desc)
	}
}

func TestConvertToolWebSearch(t *testing.T) {
	maxUses := 5
	tool := Tool{Name: "web_search", Type: "web_search_20250101", MaxUses: &maxUses}
	out := convertTool(tool)
	if got := gjson.Get(out, "type").String(); got != "web_search_20250101" {
		t.Fatalf("type = %q", got)
	}
	if got := gjson.Get(out, "max_uses").Int(); got != 5 {
		t.Fatalf("max_uses = %d", got)
	}
	if gjson.Get(out, "toolSpecification").Exists() {
		t.Fatalf("web search tool should not carry a toolSpecification")
	}
}

func TestValidateToolPairingSynthesizesPlaceholders(t *testing.T) {
	messages := []Message{
		{Role: RoleAssistant, Content: []ContentBlock{
			{Type: BlockToolUse, ToolUseID: "t1", ToolName: "undefined_tool"},
		}},
	}
	placeholders := validateToolPairing(messages, nil)
	if len(placeholders) != 1 {
		t.Fatalf("expected 1 placeholder, got %d", len(placeholders))
	}
	if got := gjson.Get(placeholders[0], "toolSpecification.name").String(); got != "undefined_tool" {
		t.Fatalf("placeholder name = %q", got)
	}
}

func TestValidateToolPairingNoPlaceholderWhenDefined(t *testing.T) {
	messages := []Message{
		{Role: RoleAssistant, Content: []ContentBlock{
			{Type: BlockToolUse, ToolUseID: "t1", ToolName: "known_tool"},
		}},
	}
	tools := []Tool{{Name: "known_tool"}}
	if placeholders := validateToolPairing(messages, tools); len(placeholders) != 0 {
		t.Fatalf("expected no placeholders, got %d", len(placeholders))
	}
}

func toolUseMsg(name, input string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{
		{Type: BlockToolUse, ToolUseID: "t", ToolName: name, ToolInput: json.RawMessage(input)},
	}}
}

func TestDetectToolCallLoopTriggersOnRepeats(t *testing.T) {
	messages := []Message{
		toolUseMsg("search", `{"q":"x"}`),
		toolUseMsg("search", `{"q":"x"}`),
		toolUseMsg("search", `{"q":"x"}`),
	}
	err := detectToolCallLoop(messages)
	if !errors.Is(err, ErrLoopDetected) {
		t.Fatalf("expected ErrLoopDetected, got %v", err)
	}
}

func TestDetectToolCallLoopIgnoresFieldOrder(t *testing.T) {
	messages := []Message{
		toolUseMsg("search", `{"a":1,"b":2}`),
		toolUseMsg("search", `{"b":2,"a":1}`),
		toolUseMsg("search", `{"a":1,"b":2}`),
	}
	if err := detectToolCallLoop(messages); !errors.Is(err, ErrLoopDetected) {
		t.Fatalf("expected loop despite differing field order, got %v", err)
	}
}

func TestDetectToolCallLoopResetsOnUserTurn(t *testing.T) {
	messages := []Message{
		toolUseMsg("search", `{"q":"x"}`),
		toolUseMsg("search", `{"q":"x"}`),
		{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: "continue"}}},
		toolUseMsg("search", `{"q":"x"}`),
		toolUseMsg("search", `{"q":"x"}`),
	}
	if err := detectToolCallLoop(messages); err != nil {
		t.Fatalf("expected no loop once reset by user turn, got %v", err)
	}
}

func TestDetectToolCallLoopDifferentInputsDoNotTrigger(t *testing.T) {
	messages := []Message{
		toolUseMsg("search", `{"q":"x"}`),
		toolUseMsg("search", `{"q":"y"}`),
		toolUseMsg("search", `{"q":"z"}`),
	}
	if err := detectToolCallLoop(messages); err != nil {
		t.Fatalf("expected no loop, got %v", err)
	}
}

func TestMergeToolResultsDedupAndEscalateError(t *testing.T) {
	var results []qToolResult
	results = mergeToolResults(results, []ContentBlock{
		{Type: BlockToolResult, ToolUseID: "t1", ToolResultContent: rawMsg(t, "first part")},
	})
	results = mergeToolResults(results, []ContentBlock{
		{Type: BlockToolResult, ToolUseID: "t1", ToolResultContent: rawMsg(t, "second part"), IsError: true},
	})
	if len(results) != 1 {
		t.Fatalf("expected merge into single result, got %d", len(results))
	}
	if results[0].Status != "error" {
		t.Fatalf("expected escalated error status, got %q", results[0].Status)
	}
	if len(results[0].Content) != 2 {
		t.Fatalf("expected both fragments retained, got %v", results[0].Content)
	}
}

func TestMergeToolResultsEmptyContentFallback(t *testing.T) {
	results := mergeToolResults(nil, []ContentBlock{
		{Type: BlockToolResult, ToolUseID: "t1", ToolResultContent: rawMsg(t, "")},
	})
	if len(results) != 1 || len(results[0].Content) != 1 {
		t.Fatalf("expected fallback text fragment, got %v", results)
	}
	if results[0].Content[0] != "Command executed successfully" {
		t.Fatalf("unexpected fallback text: %q", results[0].Content[0])
	}
}

func TestReorderToolResultsMatchesOrderThenAppendsRest(t *testing.T) {
	results := []qToolResult{{ToolUseID: "b"}, {ToolUseID: "a"}, {ToolUseID: "c"}}
	reordered := reorderToolResults(results, []string{"a", "b"})
	got := []string{reordered[0].ToolUseID, reordered[1].ToolUseID, reordered[2].ToolUseID}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reorder = %v, want %v", got, want)
		}
	}
}

func TestProcessHistoryFastPathWhenAlreadyAlternating(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: "hi"}}},
		{Role: RoleAssistant, Content: []ContentBlock{{Type: BlockText, Text: "hello"}}},
	}
	history := processHistory(messages, false)
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if err := validateHistoryAlternation(history); err != nil {
		t.Fatalf("unexpected alternation error: %v", err)
	}
}

func TestProcessHistoryMergesConsecutiveUserTurns(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: "first"}}},
		{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: "second"}}},
		{Role: RoleAssistant, Content: []ContentBlock{{Type: BlockText, Text: "reply"}}},
	}
	history := processHistory(messages, false)
	if len(history) != 2 {
		t.Fatalf("expected merge down to 2 entries, got %d", len(history))
	}
	content := gjson.Get(history[0].json, "userInputMessage.content").String()
	if !strings.Contains(content, "first") || !strings.Contains(content, "second") {
		t.Fatalf("expected merged content to contain both turns, got %q", content)
	}
	if err := validateHistoryAlternation(history); err != nil {
		t.Fatalf("unexpected alternation error after merge: %v", err)
	}
}

func TestFlattenSystemString(t *testing.T) {
	if got := flattenSystem(rawMsg(t, "be concise")); got != "be concise" {
		t.Fatalf("flattenSystem(string) = %q", got)
	}
}

func TestFlattenSystemBlockArray(t *testing.T) {
	raw := json.RawMessage(`[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]`)
	got := flattenSystem(raw)
	if !strings.Contains(got, "part one") || !strings.Contains(got, "part two") {
		t.Fatalf("flattenSystem(blocks) = %q", got)
	}
}

func TestConvertProducesValidBody(t *testing.T) {
	req := &Request{
		Model:     "claude-sonnet-4.5",
		MaxTokens: 1024,
		Messages: []Message{
			{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: "hello there"}}},
		},
	}
	body, err := Convert(req, "")
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	if !gjson.Valid(body) {
		t.Fatalf("Convert produced invalid JSON: %s", body)
	}
	if got := gjson.Get(body, "conversationState.currentMessage.userInputMessage.modelId").String(); got != "claude-sonnet-4.5" {
		t.Fatalf("modelId = %q", got)
	}
	if got := gjson.Get(body, "conversationState.currentMessage.userInputMessage.content").String(); !strings.Contains(got, "hello there") {
		t.Fatalf("content missing prompt text: %q", got)
	}
	if !gjson.Get(body, "conversationState.conversationId").Exists() {
		t.Fatalf("conversationId missing")
	}
	if got := gjson.Get(body, "conversationState.chatTriggerType").String(); got != "MANUAL" {
		t.Fatalf("chatTriggerType = %q", got)
	}
}

func TestConvertSuppressesPromptWhenToolResultOnlyAndEmpty(t *testing.T) {
	req := &Request{
		Model: "claude-sonnet-4.5",
		Messages: []Message{
			{Role: RoleAssistant, Content: []ContentBlock{
				{Type: BlockToolUse, ToolUseID: "t1", ToolName: "search", ToolInput: json.RawMessage(`{}`)},
			}},
			{Role: RoleUser, Content: []ContentBlock{
				{Type: BlockToolResult, ToolUseID: "t1", ToolResultContent: rawMsg(t, "")},
			}},
		},
	}
	body, err := Convert(req, "conv-1")
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	content := gjson.Get(body, "conversationState.currentMessage.userInputMessage.content").String()
	if strings.Contains(content, "USER MESSAGE BEGIN") {
		t.Fatalf("expected framed content suppressed for empty tool-result-only prompt, got %q", content)
	}
}

func TestConvertPropagatesLoopDetectionError(t *testing.T) {
	req := &Request{
		Model: "claude-sonnet-4.5",
		Messages: []Message{
			toolUseMsg("search", `{"q":"x"}`),
			toolUseMsg("search", `{"q":"x"}`),
			toolUseMsg("search", `{"q":"x"}`),
		},
	}
	if _, err := Convert(req, ""); !errors.Is(err, ErrLoopDetected) {
		t.Fatalf("expected ErrLoopDetected from Convert, got %v", err)
	}
}

func TestConvertSectionOrder(t *testing.T) {
	longDesc := strings.Repeat("d", toolDescriptionLimit+1)
	req := &Request{
		Model:  "claude-sonnet-4.5",
		System: rawMsg(t, "be concise"),
		Tools:  []Tool{{Name: "big", Description: longDesc, InputSchema: json.RawMessage(`{}`)}},
		Messages: []Message{
			{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: "hi"}}},
		},
	}
	body, err := Convert(req, "conv-1")
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	content := gjson.Get(body, "conversationState.currentMessage.userInputMessage.content").String()

	positions := []int{
		strings.Index(content, "--- TOOL DOCUMENTATION BEGIN ---"),
		strings.Index(content, "--- SYSTEM PROMPT BEGIN ---"),
		strings.Index(content, "--- CONTEXT ENTRY BEGIN ---"),
		strings.Index(content, "--- USER MESSAGE BEGIN ---"),
	}
	for i, pos := range positions {
		if pos < 0 {
			t.Fatalf("section %d missing from content: %q", i, content)
		}
		if i > 0 && pos < positions[i-1] {
			t.Fatalf("sections out of order at index %d: %v", i, positions)
		}
	}
}

func TestConvertToolResultOnlyKeepsToolDocumentation(t *testing.T) {
	longDesc := strings.Repeat("d", toolDescriptionLimit+1)
	req := &Request{
		Model:  "claude-sonnet-4.5",
		System: rawMsg(t, "be concise"),
		Tools:  []Tool{{Name: "big", Description: longDesc, InputSchema: json.RawMessage(`{}`)}},
		Messages: []Message{
			{Role: RoleAssistant, Content: []ContentBlock{
				{Type: BlockToolUse, ToolUseID: "t1", ToolName: "big", ToolInput: json.RawMessage(`{}`)},
			}},
			{Role: RoleUser, Content: []ContentBlock{
				{Type: BlockToolResult, ToolUseID: "t1", ToolResultContent: rawMsg(t, "ok")},
			}},
		},
	}
	body, err := Convert(req, "conv-1")
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	content := gjson.Get(body, "conversationState.currentMessage.userInputMessage.content").String()
	if !strings.Contains(content, "--- TOOL DOCUMENTATION BEGIN ---") {
		t.Fatalf("tool documentation should survive a tool-result-only message: %q", content)
	}
	for _, banned := range []string{"SYSTEM PROMPT", "CONTEXT ENTRY", "USER MESSAGE"} {
		if strings.Contains(content, banned) {
			t.Fatalf("section %q should be suppressed for a tool-result-only message: %q", banned, content)
		}
	}
}
