// Opportunistic token-usage extraction from upstream responses.
//
// DESIGN: Streaming responses are inspected incrementally by sseUsageParser,
// which only reads structured "data: {json}" events to avoid false positives
// from arbitrary text containing token-like key names. Non-streaming bodies
// go through a deep key search over the parsed JSON. Extraction never blocks
// or fails response delivery; missing usage simply yields zero counts.
package proxy

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/vibeproxy/thinking-gateway/internal/config"
	"github.com/vibeproxy/thinking-gateway/internal/usage"
)

var (
	inputTokenKeys     = []string{"input_tokens", "prompt_tokens"}
	outputTokenKeys    = []string{"output_tokens", "completion_tokens"}
	totalTokenKeys     = []string{"total_tokens"}
	cachedTokenKeys    = []string{"cached_tokens", "cached_input_tokens", "cache_read_input_tokens", "cache_creation_input_tokens"}
	reasoningTokenKeys = []string{"reasoning_tokens", "thinking_tokens", "reasoningTokenCount"}
)

// extractUsage pulls token counts out of a complete (non-streaming) response
// body. Returns zero counts when the body is not JSON or carries no usage.
func extractUsage(body []byte) usage.TokenCounts {
	if !gjson.ValidBytes(body) {
		return usage.TokenCounts{}
	}
	root := gjson.ParseBytes(body)
	counts := usage.TokenCounts{
		Input:     findTokenDeep(root, inputTokenKeys),
		Output:    findTokenDeep(root, outputTokenKeys),
		Total:     findTokenDeep(root, totalTokenKeys),
		Cached:    findTokenDeep(root, cachedTokenKeys),
		Reasoning: findTokenDeep(root, reasoningTokenKeys),
	}
	return counts.Normalize()
}

// findTokenDeep searches the JSON tree breadth-first at each level: direct
// keys are preferred over nested hits so a top-level usage object wins over
// token counts buried in message content.
func findTokenDeep(value gjson.Result, keys []string) int64 {
	if !value.IsObject() && !value.IsArray() {
		return 0
	}
	if value.IsObject() {
		for _, key := range keys {
			if v := value.Get(key); v.Exists() {
				if n, ok := asInt(v); ok {
					return n
				}
			}
		}
	}
	found := int64(0)
	value.ForEach(func(_, nested gjson.Result) bool {
		if n := findTokenDeep(nested, keys); n != 0 {
			found = n
			return false
		}
		return true
	})
	return found
}

func asInt(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Int(), true
	case gjson.String:
		if v.Str == "" {
			return 0, false
		}
		n := gjson.Parse(v.Str)
		if n.Type == gjson.Number {
			return n.Int(), true
		}
	}
	return 0, false
}

type sseUsagePayload struct {
	Usage   json.RawMessage `json:"usage"`
	Message struct {
		Usage json.RawMessage `json:"usage"`
	} `json:"message"`
}

// sseUsageParser incrementally parses SSE events and extracts usage from
// message_start / message_delta payloads. Later events override earlier
// values field by field (message_delta carries the final output count).
type sseUsageParser struct {
	buffer []byte
	counts usage.TokenCounts
}

func newSSEUsageParser() *sseUsageParser {
	return &sseUsageParser{buffer: make([]byte, 0, config.DefaultBufferSize)}
}

// Feed consumes one stream chunk.
func (p *sseUsageParser) Feed(chunk []byte) {
	p.buffer = append(p.buffer, chunk...)
	p.parse(false)
}

// Counts flushes any trailing partial event and returns what was observed.
func (p *sseUsageParser) Counts() usage.TokenCounts {
	p.parse(true)
	return p.counts.Normalize()
}

func (p *sseUsageParser) parse(flush bool) {
	for {
		event, rest, ok := nextSSEEvent(p.buffer, flush)
		if !ok {
			return
		}
		p.buffer = rest
		p.parseEvent(event)
	}
}

func nextSSEEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (p *sseUsageParser) parseEvent(event []byte) {
	lines := bytes.Split(event, []byte("\n"))
	dataLines := make([][]byte, 0, 2)

	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		dataLines = append(dataLines, payload)
	}
	if len(dataLines) == 0 {
		return
	}

	data := bytes.Join(dataLines, []byte("\n"))
	var payload sseUsagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	p.applyUsage(payload.Message.Usage)
	p.applyUsage(payload.Usage)
}

func (p *sseUsageParser) applyUsage(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	node := gjson.ParseBytes(raw)
	if !node.IsObject() {
		return
	}
	if n := findTokenDeep(node, inputTokenKeys); n > 0 {
		p.counts.Input = n
	}
	if n := findTokenDeep(node, outputTokenKeys); n > 0 {
		p.counts.Output = n
	}
	if n := findTokenDeep(node, cachedTokenKeys); n > 0 {
		p.counts.Cached = n
	}
	if n := findTokenDeep(node, reasoningTokenKeys); n > 0 {
		p.counts.Reasoning = n
	}
}
