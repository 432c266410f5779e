package parsers

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/noctua-app/server/internal/reflection/model"
	logx "github.com/noctua-app/server/pkg/logger"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 256 * 1024 // 256KB
	maxErrSnippet = 200
)

// ExtractJSON pulls the first JSON object out of a model reply. Models wrap
// their output in markdown fences or add commentary often enough that going
// straight to json.Unmarshal loses salvageable replies.
func ExtractJSON(content string) (out string, err error) {
	// panic safety
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "json_parser").Msgf("panic recovered: %v", r)
			out = ""
			err = fmt.Errorf("json extraction panic")
		}
	}()

	if len(content) > maxContentLen {
		logx.Warn().Str("component", "json_parser").
			Int("orig_len", len(content)).Int("max_len", maxContentLen).
			Msg("content truncated due to size limit")
		content = truncateAtRune(content, maxContentLen)
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("empty content")
	}

	// strip a ```json ... ``` fence if present
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}

	start := strings.Index(content, "{")
	if start < 0 {
		return "", fmt.Errorf("no json object found: %s", safeSnippet(content))
	}

	// walk to the matching close brace, ignoring braces inside strings
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					candidate := content[start : i+1]
					if !json.Valid([]byte(candidate)) {
						return "", fmt.Errorf("invalid json object: %s", safeSnippet(candidate))
					}
					return candidate, nil
				}
			}
		}
	}
	return "", fmt.Errorf("unterminated json object: %s", safeSnippet(content[start:]))
}

// ParsePayload extracts and decodes the reply into the feature's schema,
// then runs field-level validation. The returned payload is one of the
// model payload pointer types.
func ParsePayload(feature model.Feature, content string) (any, error) {
	raw, err := ExtractJSON(content)
	if err != nil {
		return nil, err
	}

	switch feature {
	case model.FeatureDream:
		var p model.DreamAnalysis
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode dream analysis: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	case model.FeatureReflection:
		var p model.DailyReflection
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode daily reflection: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	case model.FeatureSession:
		var p model.SessionReply
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode session reply: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	case model.FeatureDiary:
		var p model.DiaryInsight
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode diary insight: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return &p, nil
	case model.FeatureReport:
		var p model.PeriodicReport
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode periodic report: %w", err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		// derived statistics are always computed here, whatever the model sent
		p.Derive()
		return &p, nil
	}
	return nil, fmt.Errorf("no schema for feature %q", feature)
}

func safeSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrSnippet {
		return s
	}
	return truncateAtRune(s, maxErrSnippet)
}

// truncateAtRune caps s at max bytes without splitting a multi-byte rune.
func truncateAtRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
