package agent

import (
	"encoding/json"
	"strings"
	"time"

	"gantry/pkg/models"
)

// parseLine normalizes one line of agent output into messages. The agents
// emit newline-delimited JSON in several schemas: the block-content schema
// (assistant / user / result / system events with content arrays), a legacy
// schema with direct message strings, and item events from alternative
// tools. A line that is not JSON becomes a single assistant message with
// the raw text preserved.
func parseLine(agent models.AgentName, line []byte, ts time.Time) []models.AgentMessage {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return []models.AgentMessage{{
			Kind:      models.MessageAssistant,
			Timestamp: ts,
			Agent:     agent,
			Content:   trimmed,
			Raw:       trimmed,
		}}
	}

	eventType, _ := raw["type"].(string)
	switch {
	case eventType == "system":
		return []models.AgentMessage{systemMessage(agent, raw, ts)}
	case eventType == "assistant":
		return assistantMessages(agent, raw, ts)
	case eventType == "user":
		return toolResultMessages(agent, raw, ts)
	case eventType == "result":
		return []models.AgentMessage{resultMessage(agent, raw, ts)}
	case strings.HasPrefix(eventType, "item."):
		return itemMessages(agent, raw, ts)
	}

	// Unknown but valid JSON: keep it visible rather than dropping it.
	return []models.AgentMessage{{
		Kind:      models.MessageAssistant,
		Timestamp: ts,
		Agent:     agent,
		Content:   trimmed,
		Raw:       trimmed,
	}}
}

// systemMessage maps init/status events from the agent runtime.
func systemMessage(agent models.AgentName, raw map[string]interface{}, ts time.Time) models.AgentMessage {
	msg := models.AgentMessage{
		Kind:      models.MessageSystem,
		Timestamp: ts,
		Agent:     agent,
	}
	if subtype, ok := raw["subtype"].(string); ok {
		msg.Content = subtype
	} else if text, ok := raw["message"].(string); ok {
		msg.Content = text
	}
	return msg
}

// assistantMessages maps an assistant event. The block-content schema
// yields one message per text block and one per tool_use block; the legacy
// schema carries the text directly.
func assistantMessages(agent models.AgentName, raw map[string]interface{}, ts time.Time) []models.AgentMessage {
	// Legacy direct-message variants.
	if text, ok := raw["message"].(string); ok {
		return []models.AgentMessage{{Kind: models.MessageAssistant, Timestamp: ts, Agent: agent, Content: text}}
	}
	if text, ok := raw["content"].(string); ok {
		return []models.AgentMessage{{Kind: models.MessageAssistant, Timestamp: ts, Agent: agent, Content: text}}
	}

	var out []models.AgentMessage
	for _, block := range contentBlocks(raw) {
		blockType, _ := block["type"].(string)
		switch blockType {
		case "text":
			if text, ok := block["text"].(string); ok && text != "" {
				out = append(out, models.AgentMessage{
					Kind:      models.MessageAssistant,
					Timestamp: ts,
					Agent:     agent,
					Content:   text,
				})
			}
		case "tool_use":
			name, _ := block["name"].(string)
			out = append(out, models.AgentMessage{
				Kind:      models.MessageToolUse,
				Timestamp: ts,
				Agent:     agent,
				ToolName:  name,
				ToolInput: compactJSON(block["input"]),
			})
		}
	}
	return out
}

// toolResultMessages maps tool results carried in user events.
func toolResultMessages(agent models.AgentName, raw map[string]interface{}, ts time.Time) []models.AgentMessage {
	var out []models.AgentMessage
	for _, block := range contentBlocks(raw) {
		if blockType, _ := block["type"].(string); blockType != "tool_result" {
			continue
		}
		out = append(out, models.AgentMessage{
			Kind:       models.MessageToolResult,
			Timestamp:  ts,
			Agent:      agent,
			ToolResult: blockText(block["content"]),
		})
	}
	return out
}

// resultMessage maps the final result event of a run.
func resultMessage(agent models.AgentName, raw map[string]interface{}, ts time.Time) models.AgentMessage {
	msg := models.AgentMessage{
		Kind:      models.MessageResult,
		Timestamp: ts,
		Agent:     agent,
	}
	if text, ok := raw["result"].(string); ok {
		msg.Content = text
	} else if text, ok := raw["content"].(string); ok {
		msg.Content = text
	}
	return msg
}

// itemMessages maps item events emitted by alternative agent CLIs.
func itemMessages(agent models.AgentName, raw map[string]interface{}, ts time.Time) []models.AgentMessage {
	item, ok := raw["item"].(map[string]interface{})
	if !ok {
		return nil
	}

	itemType, _ := item["type"].(string)
	switch itemType {
	case "agent_message", "assistant_message":
		text, _ := item["text"].(string)
		if text == "" {
			return nil
		}
		return []models.AgentMessage{{Kind: models.MessageAssistant, Timestamp: ts, Agent: agent, Content: text}}
	case "command_execution":
		cmd, _ := item["command"].(string)
		msg := models.AgentMessage{
			Kind:      models.MessageToolUse,
			Timestamp: ts,
			Agent:     agent,
			ToolName:  "command",
			ToolInput: cmd,
		}
		if output, ok := item["aggregated_output"].(string); ok && output != "" {
			msg.ToolResult = output
		}
		return []models.AgentMessage{msg}
	case "file_change":
		return []models.AgentMessage{{
			Kind:      models.MessageToolUse,
			Timestamp: ts,
			Agent:     agent,
			ToolName:  "file_change",
			ToolInput: compactJSON(item["changes"]),
		}}
	case "reasoning":
		text, _ := item["text"].(string)
		return []models.AgentMessage{{Kind: models.MessageSystem, Timestamp: ts, Agent: agent, Content: text}}
	}
	return nil
}

// contentBlocks extracts the content array from either message.content or a
// top-level content field.
func contentBlocks(raw map[string]interface{}) []map[string]interface{} {
	var content []interface{}
	if msg, ok := raw["message"].(map[string]interface{}); ok {
		content, _ = msg["content"].([]interface{})
	}
	if content == nil {
		content, _ = raw["content"].([]interface{})
	}

	var blocks []map[string]interface{}
	for _, item := range content {
		if block, ok := item.(map[string]interface{}); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// blockText renders a tool_result content value, which is either a plain
// string or an array of text blocks.
func blockText(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []interface{}:
		var parts []string
		for _, item := range v {
			if block, ok := item.(map[string]interface{}); ok {
				if text, ok := block["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// compactJSON renders an arbitrary decoded value as compact JSON.
func compactJSON(value interface{}) string {
	if value == nil {
		return ""
	}
	data, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(data)
}
