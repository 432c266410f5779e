package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/noctua-app/server/internal/reflection/model"
)

//go:embed template/dream_prompt.txt
var dreamSystemPrompt string

//go:embed template/reflection_prompt.txt
var reflectionSystemPrompt string

//go:embed template/session_prompt.txt
var sessionSystemPrompt string

//go:embed template/diary_prompt.txt
var diarySystemPrompt string

//go:embed template/report_prompt.txt
var reportSystemPrompt string

//go:embed template/repair_prompt.txt
var repairPrompt string

// maxFieldChars caps any single piece of user-derived text interpolated into
// a prompt, so one runaway field cannot crowd out the instructions.
const maxFieldChars = 4000

func systemTemplate(f model.Feature) (string, error) {
	switch f {
	case model.FeatureDream:
		return dreamSystemPrompt, nil
	case model.FeatureReflection:
		return reflectionSystemPrompt, nil
	case model.FeatureSession:
		return sessionSystemPrompt, nil
	case model.FeatureDiary:
		return diarySystemPrompt, nil
	case model.FeatureReport:
		return reportSystemPrompt, nil
	}
	return "", fmt.Errorf("no prompt template for feature %q", f)
}

// SanitizeUserText neutralizes template syntax in user-derived text and caps
// its length. Everything that did not originate in this package goes through
// here before rendering.
func SanitizeUserText(s string) string {
	s = strings.ReplaceAll(s, "{{", "")
	s = strings.ReplaceAll(s, "}}", "")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxFieldChars {
		// back off to a rune boundary so the cap never leaves invalid UTF-8
		cut := maxFieldChars
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

func renderFacts(d *model.UserDossier) string {
	facts := d.Facts()
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range facts {
		b.WriteString("- ")
		b.WriteString(SanitizeUserText(f))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderMemories(memories []model.RetrievedMemory) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range memories {
		b.WriteString("- You remember ")
		switch m.SourceLayer {
		case model.LayerSentiment:
			b.WriteString("how it felt when ")
		case model.LayerStyle:
			b.WriteString("the way ")
		default:
			b.WriteString("that ")
		}
		b.WriteString("they once wrote: \"")
		b.WriteString(SanitizeUserText(m.Content))
		b.WriteString("\"\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderSystem renders the feature's system prompt via the Eino prompt
// component, so prompt callbacks fire for observability.
func RenderSystem(ctx context.Context, rc *model.ReflectionContext) (string, error) {
	raw, err := systemTemplate(rc.Feature)
	if err != nil {
		return "", err
	}

	vars := map[string]any{
		"Language":    rc.Locale,
		"DisplayName": SanitizeUserText(rc.Dossier.DisplayName),
		"Facts":       renderFacts(rc.Dossier),
		"Memories":    renderMemories(rc.Memories),
		"Warm":        false,
	}
	if rc.IsWarm() {
		vars["Warm"] = true
		vars["WarmInput"] = SanitizeUserText(rc.Warm.OriginalInput)
		vars["WarmReflection"] = SanitizeUserText(rc.Warm.PriorReflection)
		vars["WarmTheme"] = SanitizeUserText(rc.Warm.Theme)
	}

	tpl := prompt.FromMessages(schema.GoTemplate, schema.SystemMessage(raw))
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("system prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("system prompt render: empty result")
	}
	return msgs[0].Content, nil
}

// BuildMessages assembles the full message list for a generation call: the
// rendered system prompt plus the sanitized user input.
func BuildMessages(ctx context.Context, rc *model.ReflectionContext) ([]*schema.Message, error) {
	system, err := RenderSystem(ctx, rc)
	if err != nil {
		return nil, err
	}
	return []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(SanitizeUserText(rc.Input)),
	}, nil
}

// RenderRepair renders the corrective follow-up sent after an unparseable
// reply, carrying the previous raw output and what was wrong with it.
func RenderRepair(ctx context.Context, previous, problem string) (string, error) {
	tpl := prompt.FromMessages(schema.GoTemplate, schema.UserMessage(repairPrompt))
	msgs, err := tpl.Format(ctx, map[string]any{
		"Previous": SanitizeUserText(previous),
		"Problem":  SanitizeUserText(problem),
	})
	if err != nil {
		return "", fmt.Errorf("repair prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("repair prompt render: empty result")
	}
	return msgs[0].Content, nil
}
