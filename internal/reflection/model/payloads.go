package model

import (
	"fmt"
	"strings"
)

// Structured output schemas, one per feature. Validation is field-by-field:
// unknown extra fields are tolerated by the JSON decoder, missing required
// fields trigger the repair/fallback path.

// CrossConnection links a dream element to something known about the user.
type CrossConnection struct {
	Connection string `json:"connection"`
	Evidence   string `json:"evidence"`
}

// DreamAnalysis is the structured payload for the dream feature.
type DreamAnalysis struct {
	Title            string            `json:"title"`
	Summary          string            `json:"summary"`
	Themes           []string          `json:"themes"`
	Interpretation   string            `json:"interpretation"`
	CrossConnections []CrossConnection `json:"crossConnections"`
	Questions        []string          `json:"questions"`
}

func (p *DreamAnalysis) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("missing title")
	}
	if strings.TrimSpace(p.Summary) == "" {
		return fmt.Errorf("missing summary")
	}
	if strings.TrimSpace(p.Interpretation) == "" {
		return fmt.Errorf("missing interpretation")
	}
	for i, c := range p.CrossConnections {
		if strings.TrimSpace(c.Connection) == "" {
			return fmt.Errorf("crossConnections[%d]: missing connection", i)
		}
	}
	return nil
}

// DailyReflection is the structured payload for the daily reflection feature.
type DailyReflection struct {
	Affirmation string   `json:"affirmation"`
	Insight     string   `json:"insight"`
	MoodSummary string   `json:"moodSummary"`
	Questions   []string `json:"questions"`
}

func (p *DailyReflection) Validate() error {
	if strings.TrimSpace(p.Affirmation) == "" {
		return fmt.Errorf("missing affirmation")
	}
	if strings.TrimSpace(p.Insight) == "" {
		return fmt.Errorf("missing insight")
	}
	return nil
}

// SessionReply is the structured payload for one guided-session turn.
type SessionReply struct {
	Message           string   `json:"message"`
	Theme             string   `json:"theme"`
	FollowUpQuestions []string `json:"followUpQuestions"`
}

func (p *SessionReply) Validate() error {
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("missing message")
	}
	return nil
}

// DiaryInsight is the structured payload for the diary feature.
type DiaryInsight struct {
	Title      string   `json:"title"`
	Reflection string   `json:"reflection"`
	Themes     []string `json:"themes"`
	Questions  []string `json:"questions"`
}

func (p *DiaryInsight) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("missing title")
	}
	if strings.TrimSpace(p.Reflection) == "" {
		return fmt.Errorf("missing reflection")
	}
	return nil
}

// ReportSections holds the narrative sections of a periodic report.
type ReportSections struct {
	MainTitle    string `json:"mainTitle"`
	Overview     string `json:"overview"`
	GoldenThread string `json:"goldenThread"`
	BlindSpot    string `json:"blindSpot"`
}

// ReportAnalogy is the report's closing analogy.
type ReportAnalogy struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// ReportDerivedData is computed locally after validation, never by the model.
type ReportDerivedData struct {
	ReadMinutes   int `json:"readMinutes"`
	HeadingsCount int `json:"headingsCount"`
}

// PeriodicReport is the structured payload for the report feature.
type PeriodicReport struct {
	Sections    ReportSections    `json:"sections"`
	Analogy     ReportAnalogy     `json:"analogy"`
	DerivedData ReportDerivedData `json:"derivedData"`
}

func (p *PeriodicReport) Validate() error {
	if strings.TrimSpace(p.Sections.MainTitle) == "" {
		return fmt.Errorf("missing sections.mainTitle")
	}
	if strings.TrimSpace(p.Sections.Overview) == "" {
		return fmt.Errorf("missing sections.overview")
	}
	if strings.TrimSpace(p.Analogy.Text) == "" {
		return fmt.Errorf("missing analogy.text")
	}
	return nil
}

// Derive fills DerivedData from the validated sections.
func (p *PeriodicReport) Derive() {
	words := len(strings.Fields(p.Sections.Overview)) +
		len(strings.Fields(p.Sections.GoldenThread)) +
		len(strings.Fields(p.Sections.BlindSpot)) +
		len(strings.Fields(p.Analogy.Text))
	minutes := words/200 + 1
	headings := 0
	for _, h := range []string{p.Sections.MainTitle, p.Sections.GoldenThread, p.Sections.BlindSpot, p.Analogy.Title} {
		if strings.TrimSpace(h) != "" {
			headings++
		}
	}
	p.DerivedData = ReportDerivedData{ReadMinutes: minutes, HeadingsCount: headings}
}

// Fallback payloads: predefined, schema-valid safe responses used when
// generation or validation cannot produce a trustworthy result. The user
// never sees a raw parse error.

func FallbackDreamAnalysis() *DreamAnalysis {
	return &DreamAnalysis{
		Title:          "Analysis Unavailable",
		Summary:        "We could not complete a full analysis of this dream right now.",
		Themes:         []string{},
		Interpretation: "Your dream was recorded safely. A deeper interpretation was not possible this time; revisiting the dream later often brings new detail to the surface.",
		Questions:      []string{"What part of this dream stays with you the most?"},
	}
}

func FallbackDailyReflection() *DailyReflection {
	return &DailyReflection{
		Affirmation: "Noticing how you feel is already a step.",
		Insight:     "We could not prepare a full reflection right now, but your entry was saved.",
		MoodSummary: "recorded",
		Questions:   []string{"What would make tomorrow feel a little lighter?"},
	}
}

func FallbackSessionReply() *SessionReply {
	return &SessionReply{
		Message: "I want to give your words the attention they deserve, and I could not do that properly just now. Could you share that thought once more?",
		Theme:   "patience",
	}
}

func FallbackDiaryInsight() *DiaryInsight {
	return &DiaryInsight{
		Title:      "Entry Saved",
		Reflection: "Your entry was saved, but a reflection could not be prepared this time.",
		Themes:     []string{},
		Questions:  []string{},
	}
}

func FallbackPeriodicReport() *PeriodicReport {
	r := &PeriodicReport{
		Sections: ReportSections{
			MainTitle:    "Report Unavailable",
			Overview:     "A full report could not be prepared for this period. Your entries remain safely recorded and will be included in the next report.",
			GoldenThread: "",
			BlindSpot:    "",
		},
		Analogy: ReportAnalogy{
			Title: "A Paused Letter",
			Text:  "Think of this report as a letter that needed one more draft before sending.",
		},
	}
	r.Derive()
	return r
}

// FallbackPayload returns the documented safe payload for a feature.
func FallbackPayload(f Feature) any {
	switch f {
	case FeatureDream:
		return FallbackDreamAnalysis()
	case FeatureReflection:
		return FallbackDailyReflection()
	case FeatureSession:
		return FallbackSessionReply()
	case FeatureDiary:
		return FallbackDiaryInsight()
	case FeatureReport:
		return FallbackPeriodicReport()
	}
	return nil
}
