package gates

import (
	"context"
	"regexp"
	"strings"

	"github.com/noctua-app/server/internal/reflection/model"
	logx "github.com/noctua-app/server/pkg/logger"
)

// SafetyGate screens raw payload text before any generation work happens. It
// runs ahead of the quota gate because it is the cheaper of the two checks.
type SafetyGate interface {
	Check(ctx context.Context, text string) model.SafetyVerdict
}

// HeuristicSafetyGate is a pattern-based pre-filter, not a moderation model.
// It exists to refuse the clearly out-of-bounds cheaply; the generation model
// still carries its own provider-side safety settings.
type HeuristicSafetyGate struct {
	patterns []*regexp.Regexp
}

var defaultBlockPatterns = []string{
	`(?i)\bhow\s+to\s+(build|make|assemble)\s+(a\s+)?(bomb|explosive|weapon)\b`,
	`(?i)\b(instructions|recipe)\s+for\s+(poison|explosives|malware)\b`,
	`(?i)\bchild\s+(sexual|porn)`,
	`(?i)\b(hurt|kill)\s+(someone|them|him|her)\s+for\s+me\b`,
}

// NewHeuristicSafetyGate compiles the built-in blocklist plus any extra
// comma-separated fragments from config. Invalid extra fragments are skipped
// with a warning rather than failing startup.
func NewHeuristicSafetyGate(cfg model.SafetyConfig) *HeuristicSafetyGate {
	gate := &HeuristicSafetyGate{}
	for _, p := range defaultBlockPatterns {
		gate.patterns = append(gate.patterns, regexp.MustCompile(p))
	}
	for _, raw := range strings.Split(cfg.ExtraPatterns, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			logx.Warn().Err(err).Str("pattern", raw).Msg("skipping invalid safety pattern")
			continue
		}
		gate.patterns = append(gate.patterns, re)
	}
	return gate
}

func (g *HeuristicSafetyGate) Check(ctx context.Context, text string) model.SafetyVerdict {
	for _, re := range g.patterns {
		if re.MatchString(text) {
			logx.Warn().Str("pattern", re.String()).Msg("safety gate rejected payload")
			return model.SafetyVerdict{Safe: false, Reason: "content policy"}
		}
	}
	return model.SafetyVerdict{Safe: true}
}

var _ SafetyGate = (*HeuristicSafetyGate)(nil)
