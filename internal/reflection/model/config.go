package model

import "time"

// ================ Config ================

type GenerationModelConfig struct {
	Model       string  `envconfig:"GENERATION_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"GENERATION_MAX_TOKENS" default:"2048"`
	Temperature float32 `envconfig:"GENERATION_TEMPERATURE" default:"0.7"`
}

type EnhancerModelConfig struct {
	Model       string  `envconfig:"ENHANCER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"ENHANCER_MAX_TOKENS" default:"512"`
	Temperature float32 `envconfig:"ENHANCER_TEMPERATURE" default:"0.2"`
	Enabled     bool    `envconfig:"ENHANCER_ENABLED" default:"true"`
}

type EmbeddingConfig struct {
	Model        string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	TaskType     string `envconfig:"EMBEDDING_TASK_TYPE" default:"SEMANTIC_SIMILARITY"`
	Dimensions   int    `envconfig:"EMBEDDING_DIMENSIONS" default:"768"`
	CacheEntries int64  `envconfig:"EMBEDDING_CACHE_ENTRIES" default:"4096"`
}

type RetrievalConfig struct {
	Threshold float32 `envconfig:"RETRIEVAL_THRESHOLD" default:"0.75"`
	Count     int     `envconfig:"RETRIEVAL_COUNT" default:"5"`
	// MinEnhanceChars: queries shorter than this are embedded as-is; the
	// hypothetical-passage rewrite only pays off for longer, ambiguous text.
	MinEnhanceChars int `envconfig:"RETRIEVAL_MIN_ENHANCE_CHARS" default:"40"`
}

type QuotaConfig struct {
	Window          string `envconfig:"QUOTA_WINDOW" default:"24h"`
	DreamLimit      int64  `envconfig:"QUOTA_DREAM_LIMIT" default:"5"`
	ReflectionLimit int64  `envconfig:"QUOTA_REFLECTION_LIMIT" default:"10"`
	SessionLimit    int64  `envconfig:"QUOTA_SESSION_LIMIT" default:"50"`
	DiaryLimit      int64  `envconfig:"QUOTA_DIARY_LIMIT" default:"10"`
	ReportLimit     int64  `envconfig:"QUOTA_REPORT_LIMIT" default:"2"`
}

// LimitFor returns the per-window limit for a feature.
func (c *QuotaConfig) LimitFor(f Feature) int64 {
	switch f {
	case FeatureDream:
		return c.DreamLimit
	case FeatureReflection:
		return c.ReflectionLimit
	case FeatureSession:
		return c.SessionLimit
	case FeatureDiary:
		return c.DiaryLimit
	case FeatureReport:
		return c.ReportLimit
	}
	return 0
}

// WindowDuration parses the configured window, falling back to a day.
func (c *QuotaConfig) WindowDuration() time.Duration {
	d, err := time.ParseDuration(c.Window)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

type SafetyConfig struct {
	// ExtraPatterns: additional comma-separated regexp fragments appended to
	// the built-in blocklist.
	ExtraPatterns string `envconfig:"SAFETY_EXTRA_PATTERNS" default:""`
}

type DossierConfig struct {
	MaxActivity    int `envconfig:"DOSSIER_MAX_ACTIVITY" default:"10"`
	MaxPredictions int `envconfig:"DOSSIER_MAX_PREDICTIONS" default:"5"`
	MaxNotes       int `envconfig:"DOSSIER_MAX_NOTES" default:"5"`
}

type BackgroundConfig struct {
	Workers     int    `envconfig:"BACKGROUND_WORKERS" default:"4"`
	TaskTimeout string `envconfig:"BACKGROUND_TASK_TIMEOUT" default:"30s"`
}

func (c *BackgroundConfig) TaskTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.TaskTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

type SchedulerConfig struct {
	Enabled    bool   `envconfig:"SCHEDULER_ENABLED" default:"false"`
	ReportCron string `envconfig:"SCHEDULER_REPORT_CRON" default:"0 8 * * MON"`
	// ReportPeriodDays is the window each scheduled report covers.
	ReportPeriodDays int `envconfig:"SCHEDULER_REPORT_PERIOD_DAYS" default:"7"`
}

type WarmStartConfig struct {
	TTL string `envconfig:"WARM_START_TTL" default:"15m"`
}

func (c *WarmStartConfig) TTLDuration() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}
