// Thinking-budget rewrite for Claude-family request bodies.
//
// DESIGN: A compact model-name suffix ("claude-x-thinking-5000") is expanded
// into the structured thinking parameter the upstream expects. Mutation uses
// gjson/sjson so non-matching bodies are returned untouched, byte for byte.
// Rewriting never fails a request: any parse problem falls back to the
// original body.
package proxy

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/vibeproxy/thinking-gateway/internal/config"
)

const (
	thinkingSuffix = "-thinking-"

	// InterleavedThinkingBeta is the capability header value signaling
	// interleaved reasoning support to the upstream.
	InterleavedThinkingBeta = "interleaved-thinking-2025-05-14"
)

// RewriteResult describes what the rewriter did to one request body.
type RewriteResult struct {
	// Body is the forward body. Equals the input slice when no rewrite
	// applied.
	Body []byte
	// ThinkingEnabled is true when the outbound request should carry the
	// interleaved-thinking capability header.
	ThinkingEnabled bool
	// Model is the post-rewrite canonical model id, empty when the body
	// had no parseable model field.
	Model string
	// Budget is the resolved thinking budget, 0 when no rewrite applied.
	Budget int64
}

// RewriteThinking expands a trailing -thinking-<budget> model suffix into the
// structured thinking parameter. Bodies that do not match (non-Claude model,
// no suffix, malformed JSON, non-positive budget) pass through unmodified.
func RewriteThinking(body []byte) RewriteResult {
	passthrough := RewriteResult{Body: body}

	if !gjson.ValidBytes(body) {
		return passthrough
	}
	modelField := gjson.GetBytes(body, "model")
	if modelField.Type != gjson.String {
		return passthrough
	}
	model := modelField.String()
	passthrough.Model = model

	if !isClaudeModel(model) {
		return passthrough
	}

	pos := strings.LastIndex(model, thinkingSuffix)
	if pos < 0 {
		// Bare "-thinking" models: the backend owns the budget, the proxy
		// only signals the capability header.
		if strings.HasSuffix(model, "-thinking") {
			passthrough.ThinkingEnabled = true
		}
		return passthrough
	}

	budget, err := strconv.ParseInt(model[pos+len(thinkingSuffix):], 10, 64)
	if err != nil || budget <= 0 {
		// Not a valid budget, so the suffix is part of the model name.
		return passthrough
	}

	cleanModel := stripThinkingSuffix(model, pos)
	effectiveBudget := budget
	if effectiveBudget > config.HardTokenCap-1 {
		effectiveBudget = config.HardTokenCap - 1
		log.Info().
			Int64("requested", budget).
			Int64("effective", effectiveBudget).
			Msg("thinking: clamped budget to hard cap")
	}

	out, err := sjson.SetBytes(body, "model", cleanModel)
	if err != nil {
		return passthrough
	}
	out, err = sjson.SetBytes(out, "thinking", map[string]any{
		"type":          "enabled",
		"budget_tokens": effectiveBudget,
	})
	if err != nil {
		return passthrough
	}
	out = raiseOutputCeiling(out, effectiveBudget)

	log.Info().
		Str("model", model).
		Str("clean_model", cleanModel).
		Int64("budget", effectiveBudget).
		Msg("thinking: rewrote model suffix")

	return RewriteResult{
		Body:            out,
		ThinkingEnabled: true,
		Model:           cleanModel,
		Budget:          effectiveBudget,
	}
}

// isClaudeModel reports whether the thinking-budget convention applies.
func isClaudeModel(model string) bool {
	return strings.HasPrefix(model, "claude-") || strings.HasPrefix(model, "gemini-claude-")
}

// stripThinkingSuffix removes the budget suffix. gemini-claude models keep
// the "-thinking" word and lose only the number; plain claude models lose
// the whole suffix.
func stripThinkingSuffix(model string, pos int) string {
	if strings.HasPrefix(model, "gemini-claude-") {
		return model[:pos+len(thinkingSuffix)-1]
	}
	return model[:pos]
}

// raiseOutputCeiling ensures max_tokens / max_output_tokens strictly exceed
// the budget. The headroom margin is a convention constant, not part of the
// upstream contract.
func raiseOutputCeiling(body []byte, budget int64) []byte {
	headroom := int64(float64(budget) * config.HeadroomRatio)
	if headroom < config.MinimumHeadroom {
		headroom = config.MinimumHeadroom
	}
	required := budget + headroom
	if required > config.HardTokenCap {
		required = config.HardTokenCap
	}
	if required <= budget {
		required = budget + 1
	}

	// Only raise ceilings that are present; absent fields stay absent so the
	// provider default applies.
	for _, field := range []string{"max_tokens", "max_output_tokens"} {
		current := gjson.GetBytes(body, field)
		if !current.Exists() {
			continue
		}
		if current.Int() <= budget {
			if out, err := sjson.SetBytes(body, field, required); err == nil {
				body = out
			}
		}
	}
	return body
}

// mergeBetaHeader appends the interleaved-thinking beta to an existing
// anthropic-beta value, or returns it alone.
func mergeBetaHeader(existing string) string {
	if existing == "" {
		return InterleavedThinkingBeta
	}
	if strings.Contains(existing, InterleavedThinkingBeta) {
		return existing
	}
	return existing + "," + InterleavedThinkingBeta
}

// isClaudeModelRequest reports whether a request body targets a Claude-family
// model, used for alternate-gateway eligibility.
func isClaudeModelRequest(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	model := gjson.GetBytes(body, "model")
	return model.Type == gjson.String && isClaudeModel(model.String())
}
