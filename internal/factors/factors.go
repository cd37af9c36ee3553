// Package factors implements the Factor Extractor (C2): a pure function from
// a parsed request body to a Factors record. No I/O, no shared state —
// grounded on the classifyToolProfile / classifyTaskCategory / detectCodeContext
// / classifySystemPromptType / buildModelRouterFactors functions of
// original_source/codegen/lb_codegen.py.
package factors

import (
	"regexp"
	"strings"
)

// ToolProfile buckets the tool names present on a request.
type ToolProfile string

const (
	ProfileNone    ToolProfile = "none"
	ProfileCoding  ToolProfile = "coding"
	ProfileRead    ToolProfile = "read"
	ProfileExplore ToolProfile = "explore"
	ProfileOps     ToolProfile = "ops"
	ProfileMulti   ToolProfile = "multi"
)

// TaskCategory is the first matching regex bucket over the last user text.
type TaskCategory string

const (
	CategoryArchitecture  TaskCategory = "architecture"
	CategoryCodeReview    TaskCategory = "code-review"
	CategoryVisualCoding  TaskCategory = "visual-coding"
	CategoryCoding        TaskCategory = "coding"
	CategoryExplore       TaskCategory = "explore"
	CategoryOps           TaskCategory = "ops"
	CategoryQuick         TaskCategory = "quick"
	CategoryUnknown       TaskCategory = "unknown"
)

// SystemPromptType tags a request's system prompt.
const (
	SysPlanMode = "plan_mode"
	SysReview   = "review"
	SysLong     = "long"
	SysShort    = "short"
)

// Factors is the full per-request record (spec.md §3).
type Factors struct {
	RequestedModel       string
	MessagesCount        int
	ToolsCount            int
	HasThinkingSignature bool
	HasSystemPrompt      bool
	PromptChars          int
	FailureStreak        int
	SuccessStreak        int
	LastUserText         string
	TaskCategory         TaskCategory
	ToolProfile          ToolProfile
	HasCodeContext       bool
	SystemPromptType     []string
}

const lastUserTextLimit = 2000
const codeContextWindow = 5

// tool-name pattern unions. Coding absorbs read when both fire (spec.md §4.1,
// §8 "tool list containing both coding and read names → coding").
var (
	codingToolPattern  = regexp.MustCompile(`(?i)^edit$|^write$|^notebookedit$|^apply_patch$|update|create|insert|replace|code`)
	readToolPattern    = regexp.MustCompile(`(?i)^read$|^glob$|^grep$|^find$|^search|list|query|fetch`)
	exploreToolPattern = regexp.MustCompile(`(?i)^task$|^websearch$|^webfetch$|browse|crawl|research`)
	opsToolPattern     = regexp.MustCompile(`(?i)^bash$|^shell$|^terminal$|^exec_command$|^write_stdin$|git|deploy|pm2`)
)

// task-category regexes, checked in priority order. Each carries bilingual
// EN+CN alternates per original_source/codegen/lb_codegen.py's
// classifyTaskCategory.
var taskCategoryPatterns = []struct {
	category TaskCategory
	pattern  *regexp.Regexp
}{
	{CategoryArchitecture, regexp.MustCompile(`(?i)(architect|architecture|system\s*design|scalability|technical\s*design|架构|系统设计|可扩展)`)},
	{CategoryCodeReview, regexp.MustCompile(`(?i)(review|audit|refactor|rewrite|debug|root\s*cause|排查|根因|代码审查|重构)`)},
	{CategoryVisualCoding, regexp.MustCompile(`(?i)(frontend|ui|css|tailwind|responsive|animation|visual|前端|界面|样式|动画|视觉)`)},
	{CategoryCoding, regexp.MustCompile(`(?i)(implement|write|fix|add|create|modify|code|bug|patch|script|函数|代码|修复|实现)`)},
	{CategoryExplore, regexp.MustCompile(`(?i)(find|search|where|explain|what|how|lookup|research|trace|inspect|查找|搜索|解释|什么|如何)`)},
	{CategoryOps, regexp.MustCompile(`(?i)(deploy|restart|build|test|run|release|ci/?cd|运维|部署|发布|重启|构建)`)},
}

var quickGreetingPattern = regexp.MustCompile(`(?i)^(hi|hello|thanks|ok|hey|你好|谢谢|收到)$`)

var planModePattern = regexp.MustCompile(`(?i)plan mode|plan_mode|enterplanmode`)
var reviewPromptPattern = regexp.MustCompile(`(?i)review|audit|code review`)

const longSystemPromptChars = 5000
const shortSystemPromptChars = 500

// Extract is the pure C2 entry point: request body -> Factors.
func Extract(body map[string]any) Factors {
	f := Factors{}

	f.RequestedModel, _ = body["model"].(string)

	messages, _ := body["messages"].([]any)
	f.MessagesCount = len(messages)

	tools, _ := body["tools"].([]any)
	f.ToolsCount = len(tools)
	f.ToolProfile = classifyToolProfile(tools)

	systemPrompt := extractSystemPrompt(body)
	f.HasSystemPrompt = systemPrompt != ""
	f.SystemPromptType = classifySystemPromptType(systemPrompt)

	f.LastUserText = truncate(lastUserText(messages), lastUserTextLimit)
	f.PromptChars = len(f.LastUserText)
	f.TaskCategory = classifyTaskCategory(f.LastUserText)
	f.HasCodeContext = detectCodeContext(messages)
	f.HasThinkingSignature = hasThinkingSignature(messages)

	return f
}

func classifyToolProfile(tools []any) ToolProfile {
	if len(tools) == 0 {
		return ProfileNone
	}
	hasCoding, hasRead, hasExplore, hasOps := false, false, false, false
	for _, raw := range tools {
		name := toolName(raw)
		if name == "" {
			continue
		}
		switch {
		case codingToolPattern.MatchString(name):
			hasCoding = true
		case readToolPattern.MatchString(name):
			hasRead = true
		case exploreToolPattern.MatchString(name):
			hasExplore = true
		case opsToolPattern.MatchString(name):
			hasOps = true
		}
	}
	// coding absorbs read: a request with both write and read tools is still "coding".
	if hasCoding {
		hasRead = false
	}
	count := 0
	for _, b := range []bool{hasCoding, hasRead, hasExplore, hasOps} {
		if b {
			count++
		}
	}
	switch {
	case count >= 2:
		return ProfileMulti
	case hasCoding:
		return ProfileCoding
	case hasRead:
		return ProfileRead
	case hasExplore:
		return ProfileExplore
	case hasOps:
		return ProfileOps
	default:
		return ProfileNone
	}
}

func toolName(raw any) string {
	m, ok := raw.(map[string]any)
	if !ok {
		return ""
	}
	if fn, ok := m["function"].(map[string]any); ok {
		if n, ok := fn["name"].(string); ok {
			return strings.TrimSpace(strings.ToLower(n))
		}
	}
	if n, ok := m["name"].(string); ok {
		return strings.TrimSpace(strings.ToLower(n))
	}
	if n, ok := m["type"].(string); ok {
		return strings.TrimSpace(strings.ToLower(n))
	}
	return ""
}

func classifyTaskCategory(lastUserText string) TaskCategory {
	if strings.TrimSpace(lastUserText) == "" {
		return CategoryUnknown
	}
	for _, p := range taskCategoryPatterns {
		if p.pattern.MatchString(lastUserText) {
			return p.category
		}
	}
	if quickGreetingPattern.MatchString(strings.TrimSpace(lastUserText)) {
		return CategoryQuick
	}
	return CategoryUnknown
}

func classifySystemPromptType(systemPrompt string) []string {
	if systemPrompt == "" {
		return nil
	}
	var tags []string
	if planModePattern.MatchString(systemPrompt) {
		tags = append(tags, SysPlanMode)
	}
	if reviewPromptPattern.MatchString(systemPrompt) {
		tags = append(tags, SysReview)
	}
	if len(systemPrompt) > longSystemPromptChars {
		tags = append(tags, SysLong)
	}
	if len(systemPrompt) <= shortSystemPromptChars {
		tags = append(tags, SysShort)
	}
	return tags
}

// codeContextPattern mirrors original_source/codegen/lb_codegen.py's
// detectCodeContext: a fenced block or any of the common import/declaration
// keywords across several languages.
var codeContextPattern = regexp.MustCompile("```|import\\s+|require\\s*\\(|from\\s+\\S+\\s+import|class\\s+\\w+|function\\s+\\w+|def\\s+\\w+")

// detectCodeContext walks the last codeContextWindow messages looking for
// code-shaped text — a cheap proxy for "this conversation is already
// elbow-deep in source".
func detectCodeContext(messages []any) bool {
	start := 0
	if len(messages) > codeContextWindow {
		start = len(messages) - codeContextWindow
	}
	for _, raw := range messages[start:] {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		text := blockText(m["content"])
		if text != "" && codeContextPattern.MatchString(text) {
			return true
		}
	}
	return false
}

func hasThinkingSignature(messages []any) bool {
	for _, raw := range messages {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		blocks, ok := m["content"].([]any)
		if !ok {
			continue
		}
		for _, b := range blocks {
			bm, ok := b.(map[string]any)
			if !ok {
				continue
			}
			if bm["type"] != "thinking" {
				continue
			}
			if sig, ok := bm["signature"].(string); ok && sig != "" {
				return true
			}
		}
	}
	return false
}

// extractSystemPrompt concatenates body.system (string or text-block array)
// with the content of any role:"system" messages, per original_source/
// codegen/lb_codegen.py's classifySystemPromptType.
func extractSystemPrompt(body map[string]any) string {
	var sb strings.Builder
	switch v := body["system"].(type) {
	case string:
		sb.WriteString(v)
	case []any:
		sb.WriteString(blockText(v))
	}
	messages, _ := body["messages"].([]any)
	for _, raw := range messages {
		m, ok := raw.(map[string]any)
		if !ok || m["role"] != "system" {
			continue
		}
		if c, ok := m["content"].(string); ok {
			sb.WriteString(c)
		}
	}
	return sb.String()
}

func lastUserText(messages []any) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if m["role"] != "user" {
			continue
		}
		return blockText(m["content"])
	}
	return ""
}

// blockText aggregates text from every block shape the content field can
// take: a plain string, or a slice of {text | input_text} blocks.
func blockText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, raw := range v {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok {
				sb.WriteString(t)
				sb.WriteString(" ")
			}
			if t, ok := m["input_text"].(string); ok {
				sb.WriteString(t)
				sb.WriteString(" ")
			}
		}
		return strings.TrimSpace(sb.String())
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
