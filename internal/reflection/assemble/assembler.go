package assemble

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/noctua-app/server/internal/reflection/dossier"
	"github.com/noctua-app/server/internal/reflection/model"
	"github.com/noctua-app/server/internal/reflection/retrieval"
	logx "github.com/noctua-app/server/pkg/logger"
)

// Assembler merges the dossier, retrieved memories and any warm-start handoff
// into one ReflectionContext. Warm starts short-circuit retrieval entirely:
// the handoff already carries the relevant prior material.
type Assembler struct {
	dossier   *dossier.Builder
	retriever *retrieval.Retriever
	warm      model.WarmStartRepository
}

func NewAssembler(builder *dossier.Builder, retriever *retrieval.Retriever, warm model.WarmStartRepository) *Assembler {
	return &Assembler{dossier: builder, retriever: retriever, warm: warm}
}

// Assemble builds the generation context for one request. Dossier and
// retrieval run concurrently on the cold path; only an unknown user aborts.
func (a *Assembler) Assemble(ctx context.Context, req *model.FeatureRequest) (*model.ReflectionContext, error) {
	rc := &model.ReflectionContext{
		Feature: req.Feature,
		UserID:  req.UserID,
		Locale:  model.NormalizeLocale(req.Locale),
		Input:   req.RawText(),
	}

	warm, err := a.warm.Take(ctx, req.UserID, req.HandoffKey())
	if err != nil {
		logx.Warn().Err(err).Str("user_id", req.UserID).Msg("warm-start lookup failed, treating as cold start")
	}
	if warm != nil {
		rc.Warm = warm
		d, err := a.dossier.Build(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		rc.Dossier = d
		logx.Debug().Str("user_id", req.UserID).Str("tx_id", req.TransactionID).
			Msg("warm start, retrieval skipped")
		return rc, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := a.dossier.Build(gctx, req.UserID)
		if err != nil {
			return err
		}
		rc.Dossier = d
		return nil
	})
	g.Go(func() error {
		q := retrieval.Query{
			UserID:        req.UserID,
			TransactionID: req.TransactionID,
			RawQuery:      req.RawText(),
			Feature:       req.Feature,
			Evidentiary:   true,
		}
		// a report only looks back over its own period
		if req.Feature == model.FeatureReport && req.Report != nil {
			q.Since = req.Report.PeriodStart
		}
		rc.Memories = a.retriever.Retrieve(gctx, q)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logx.Debug().Str("user_id", req.UserID).Int("memories", len(rc.Memories)).
		Msg("context assembled")
	return rc, nil
}
