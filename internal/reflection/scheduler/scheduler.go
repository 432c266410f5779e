package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/noctua-app/server/internal/reflection/graph"
	"github.com/noctua-app/server/internal/reflection/model"
	logx "github.com/noctua-app/server/pkg/logger"
)

// ReportScheduler periodically generates reports for every active user. The
// transaction id is derived from the period and the user, so a crashed or
// double-fired run replays the already persisted report instead of
// generating and billing a second one.
type ReportScheduler struct {
	runner   graph.Runner
	registry model.UserRegistry
	cfg      model.SchedulerConfig
	cron     *cron.Cron
	now      func() time.Time
}

func NewReportScheduler(runner graph.Runner, registry model.UserRegistry, cfg model.SchedulerConfig) *ReportScheduler {
	return &ReportScheduler{
		runner:   runner,
		registry: registry,
		cfg:      cfg,
		cron:     cron.New(),
		now:      time.Now,
	}
}

// Start registers the cron entry and starts the ticker.
func (s *ReportScheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.ReportCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("register report cron %q: %w", s.cfg.ReportCron, err)
	}
	s.cron.Start()
	logx.Info().Str("cron", s.cfg.ReportCron).Msg("report scheduler started")
	return nil
}

// Stop halts the ticker and waits for a running job to finish.
func (s *ReportScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce generates the report for the period ending now for every active
// user. Per-user failures are logged and do not stop the sweep.
func (s *ReportScheduler) RunOnce(ctx context.Context) {
	users, err := s.registry.ActiveUsers(ctx)
	if err != nil {
		logx.Error().Err(err).Msg("report sweep aborted, active user listing failed")
		return
	}

	periodEnd := s.now().UTC().Truncate(24 * time.Hour)
	periodStart := periodEnd.AddDate(0, 0, -s.cfg.ReportPeriodDays)

	generated := 0
	for _, userID := range users {
		req := &model.FeatureRequest{
			Feature:       model.FeatureReport,
			UserID:        userID,
			TransactionID: reportTransactionID(userID, periodEnd),
			Report: &model.ReportPayload{
				PeriodStart: periodStart,
				PeriodEnd:   periodEnd,
			},
		}

		result, err := s.runner.Process(ctx, req)
		if err != nil {
			logx.Error().Err(err).Str("user_id", userID).Msg("scheduled report failed")
			continue
		}
		if result.Status != model.StatusReplayed {
			generated++
		}
	}

	logx.Info().Int("users", len(users)).Int("generated", generated).
		Time("period_end", periodEnd).Msg("report sweep complete")
}

// reportTransactionID is deterministic per (user, period end), which is what
// makes scheduled generation idempotent across restarts.
func reportTransactionID(userID string, periodEnd time.Time) string {
	return fmt.Sprintf("report-%s-%s", periodEnd.Format("2006-01-02"), userID)
}
