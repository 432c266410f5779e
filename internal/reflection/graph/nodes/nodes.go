package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/noctua-app/server/internal/reflection/assemble"
	"github.com/noctua-app/server/internal/reflection/background"
	"github.com/noctua-app/server/internal/reflection/gates"
	"github.com/noctua-app/server/internal/reflection/graph/parsers"
	"github.com/noctua-app/server/internal/reflection/graph/prompts"
	"github.com/noctua-app/server/internal/reflection/model"
	"github.com/noctua-app/server/internal/reflection/retrieval"
	errx "github.com/noctua-app/server/internal/core/error"
	logx "github.com/noctua-app/server/pkg/logger"
)

// MaxRepairAttempts bounds the repair loop: one corrective re-prompt, then
// the documented fallback payload.
const MaxRepairAttempts = 1

// NewIntakePreHandler initializes the per-run state before any gate runs.
func NewIntakePreHandler() func(context.Context, *model.FeatureRequest, *model.PipelineState) (*model.FeatureRequest, error) {
	return func(ctx context.Context, in *model.FeatureRequest, s *model.PipelineState) (*model.FeatureRequest, error) {
		s.Request = in
		s.TransactionID = in.TransactionID
		s.StartedAt = time.Now()
		s.RepairCount = 0
		s.RepairNeeded = false
		s.GenerationFailed = false
		s.GenerationError = ""
		s.ModelCalls = 0
		s.TotalCostUSD = 0
		return in, nil
	}
}

// NewIntakeNode runs the admission checks in cost order: free input
// validation, then the pattern-based safety gate, then the quota consume
// (the only one that mutates anything). Any rejection aborts the run with a
// typed error before a model token is spent.
func NewIntakeNode(safety gates.SafetyGate, quota gates.QuotaGate) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.FeatureRequest) (*model.FeatureRequest, error) {
		if err := in.Validate(); err != nil {
			return nil, err
		}

		if verdict := safety.Check(ctx, in.RawText()); !verdict.Safe {
			return nil, errx.SafetyRejected(verdict.Reason)
		}

		if err := quota.Consume(ctx, in.UserID, in.Feature, 1); err != nil {
			return nil, err
		}

		return in, nil
	})
}

// NewContextAssemblerNode wraps the assembler as a graph node.
func NewContextAssemblerNode(asm *assemble.Assembler) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.FeatureRequest) (*model.ReflectionContext, error) {
		return asm.Assemble(ctx, in)
	})
}

// NewContextAssemblerPostHandler keeps the assembled context in state for the
// confidence scorer and the decision log.
func NewContextAssemblerPostHandler() func(context.Context, *model.ReflectionContext, *model.PipelineState) (*model.ReflectionContext, error) {
	return func(ctx context.Context, out *model.ReflectionContext, s *model.PipelineState) (*model.ReflectionContext, error) {
		s.Context = out
		return out, nil
	}
}

// NewPromptRenderNode renders the feature prompt into the message list the
// chat model consumes.
func NewPromptRenderNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.ReflectionContext) ([]*schema.Message, error) {
		return prompts.BuildMessages(ctx, in)
	})
}

// NewPromptRenderPostHandler keeps the rendered system prompt in state for
// audit rows.
func NewPromptRenderPostHandler() func(context.Context, []*schema.Message, *model.PipelineState) ([]*schema.Message, error) {
	return func(ctx context.Context, out []*schema.Message, s *model.PipelineState) ([]*schema.Message, error) {
		if len(out) > 0 && out[0] != nil {
			s.Prompt = out[0].Content
		}
		return out, nil
	}
}

// NewGeneratePreHandler marks the start of one model attempt.
func NewGeneratePreHandler() func(context.Context, []*schema.Message, *model.PipelineState) ([]*schema.Message, error) {
	return func(ctx context.Context, in []*schema.Message, s *model.PipelineState) ([]*schema.Message, error) {
		s.GenStartedAt = time.Now()
		s.ModelCalls++
		return in, nil
	}
}

// NewGeneratePostHandler captures the raw reply and accounts usage cost.
func NewGeneratePostHandler(modelName string) func(context.Context, *schema.Message, *model.PipelineState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, s *model.PipelineState) (*schema.Message, error) {
		if out != nil {
			s.RawOutput = out.Content
		}

		if model.CostEnabled() && out != nil && out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
			pricing := model.ResolvePricing(modelName)
			inC, outC, totalC := model.ComputeCost(out.ResponseMeta.Usage, pricing)
			s.TotalCostUSD += totalC
			logx.Debug().
				Str("tx_id", s.TransactionID).
				Str("node", NodeGenerate).
				Str("model", modelName).
				Int("prompt_tokens", out.ResponseMeta.Usage.PromptTokens).
				Int("completion_tokens", out.ResponseMeta.Usage.CompletionTokens).
				Float64("input_cost_usd", inC).
				Float64("output_cost_usd", outC).
				Float64("total_cost_usd", s.TotalCostUSD).
				Msg("LLM usage")
		}
		return out, nil
	}
}

// NewValidateNode parses the model reply against the feature schema. A parse
// or validation failure flags the state for one repair round; after that the
// documented fallback payload is substituted so the request still completes.
func NewValidateNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, resp *schema.Message) (*model.GenerationResult, error) {
		var result *model.GenerationResult
		err := compose.ProcessState(ctx, func(_ context.Context, s *model.PipelineState) error {
			if s.Request == nil {
				return fmt.Errorf("missing request in state")
			}
			req := s.Request

			content := ""
			if resp != nil {
				content = resp.Content
			}

			payload, perr := parsers.ParsePayload(req.Feature, content)
			if perr == nil {
				s.RepairNeeded = false
				s.RepairReason = ""
				result = &model.GenerationResult{
					Feature:       req.Feature,
					UserID:        req.UserID,
					TransactionID: req.TransactionID,
					RawText:       content,
					Payload:       payload,
					Valid:         true,
				}
				s.Result = result
				return nil
			}

			if !s.GenerationFailed && s.RepairCount < MaxRepairAttempts {
				logx.Warn().Err(perr).Str("tx_id", s.TransactionID).
					Int("repair_count", s.RepairCount).Msg("output failed validation, attempting repair")
				s.RepairNeeded = true
				s.RepairReason = perr.Error()
				result = &model.GenerationResult{
					Feature:       req.Feature,
					UserID:        req.UserID,
					TransactionID: req.TransactionID,
					RawText:       content,
					Valid:         false,
				}
				return nil
			}

			if s.GenerationFailed {
				logx.Error().Str("tx_id", s.TransactionID).Str("cause", s.GenerationError).
					Msg("generation failed, substituting fallback payload")
			} else {
				logx.Error().Err(perr).Str("tx_id", s.TransactionID).
					Msg("repaired output still invalid, substituting fallback payload")
			}
			s.RepairNeeded = false
			s.RepairReason = ""
			result = &model.GenerationResult{
				Feature:       req.Feature,
				UserID:        req.UserID,
				TransactionID: req.TransactionID,
				RawText:       content,
				Payload:       model.FallbackPayload(req.Feature),
				Valid:         false,
			}
			s.Result = result
			return nil
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

// NewValidatePostHandler writes one generation audit row per model call,
// valid or not.
func NewValidatePostHandler(audit model.AuditStore, modelName string) func(context.Context, *model.GenerationResult, *model.PipelineState) (*model.GenerationResult, error) {
	return func(ctx context.Context, out *model.GenerationResult, s *model.PipelineState) (*model.GenerationResult, error) {
		call := &model.GenerationCall{
			TransactionID: s.TransactionID,
			Model:         modelName,
			Prompt:        s.Prompt,
			Response:      s.RawOutput,
			Latency:       time.Since(s.GenStartedAt),
			SchemaValid:   out != nil && out.Valid,
		}
		if err := audit.RecordGenerationCall(ctx, call); err != nil {
			logx.Error().Err(err).Str("tx_id", s.TransactionID).Msg("failed to record generation call")
		}
		return out, nil
	}
}

// NewRepairCondition routes invalid output back through generation, at most
// once, and everything else to persistence.
func NewRepairCondition() func(context.Context, *model.GenerationResult) (string, error) {
	return func(ctx context.Context, in *model.GenerationResult) (string, error) {
		var repair bool
		err := compose.ProcessState(ctx, func(_ context.Context, s *model.PipelineState) error {
			repair = s.RepairNeeded && s.RepairCount < MaxRepairAttempts
			return nil
		})
		if err != nil {
			return "", err
		}
		if repair {
			return NodeRepairPrompt, nil
		}
		return NodePersist, nil
	}
}

// NewRepairPromptPreHandler counts the repair attempt before it is built.
func NewRepairPromptPreHandler() func(context.Context, *model.GenerationResult, *model.PipelineState) (*model.GenerationResult, error) {
	return func(ctx context.Context, in *model.GenerationResult, s *model.PipelineState) (*model.GenerationResult, error) {
		s.RepairCount++
		s.RepairNeeded = false
		return in, nil
	}
}

// NewRepairPromptNode rebuilds the conversation for a corrective second pass:
// original instruction, the invalid reply, and the repair directive.
func NewRepairPromptNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.GenerationResult) ([]*schema.Message, error) {
		var messages []*schema.Message
		err := compose.ProcessState(ctx, func(_ context.Context, s *model.PipelineState) error {
			if s.Context == nil {
				return fmt.Errorf("missing context in state")
			}
			repair, rerr := prompts.RenderRepair(ctx, s.RawOutput, s.RepairReason)
			if rerr != nil {
				return rerr
			}
			messages = []*schema.Message{
				schema.SystemMessage(s.Prompt),
				schema.UserMessage(prompts.SanitizeUserText(s.Context.Input)),
				schema.AssistantMessage(s.RawOutput, nil),
				schema.UserMessage(repair),
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return messages, nil
	})
}

// NewPersistNode writes the durable event. The (userID, transactionID) key
// makes the write idempotent: a concurrent duplicate loses the insert race,
// gets the existing event id back and reports a replay instead of an error.
func NewPersistNode(events model.EventStore, scorer parsers.ConfidenceScorer) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.GenerationResult) (*model.PipelineResult, error) {
		data, err := json.Marshal(in.Payload)
		if err != nil {
			return nil, errx.Persistence(fmt.Errorf("encode payload: %w", err))
		}

		var (
			facts     []string
			startedAt time.Time
		)
		serr := compose.ProcessState(ctx, func(_ context.Context, s *model.PipelineState) error {
			startedAt = s.StartedAt
			if s.Context != nil {
				facts = s.Context.Dossier.Facts()
				for _, m := range s.Context.Memories {
					facts = append(facts, m.Content)
				}
			}
			return nil
		})
		if serr != nil {
			return nil, serr
		}

		eventType := string(in.Feature) + "_result"
		id, created, err := events.Upsert(ctx, in.UserID, in.TransactionID, eventType, data)
		if err != nil {
			return nil, errx.Persistence(err)
		}

		status := model.StatusPersisted
		switch {
		case !created:
			status = model.StatusReplayed
		case !in.Valid:
			status = model.StatusFallback
		}

		result := &model.PipelineResult{
			EventID:             id,
			TransactionID:       in.TransactionID,
			Status:              status,
			Payload:             in.Payload,
			RawText:             in.RawText,
			HeuristicConfidence: scorer.Score(in.Payload, facts),
			Duration:            time.Since(startedAt),
		}

		logx.Info().Str("user_id", in.UserID).Str("tx_id", in.TransactionID).
			Str("event_id", id).Str("status", string(status)).
			Dur("duration", result.Duration).Msg("pipeline run persisted")
		return result, nil
	})
}

// PersistSideEffects bundles the post-persistence dependencies.
type PersistSideEffects struct {
	Pool     *background.Pool
	Indexer  *retrieval.Indexer
	Audit    model.AuditStore
	Warm     model.WarmStartRepository
	WarmTTL  time.Duration
	Registry model.UserRegistry
}

// NewPersistPostHandler hands the follow-up work to the background pool:
// memory indexing of the user's own words, the decision-log row, and the
// warm-start handoff for continuable features. None of it blocks the reply.
func NewPersistPostHandler(fx PersistSideEffects) func(context.Context, *model.PipelineResult, *model.PipelineState) (*model.PipelineResult, error) {
	return func(ctx context.Context, out *model.PipelineResult, s *model.PipelineState) (*model.PipelineResult, error) {
		if out == nil || s.Request == nil {
			return out, nil
		}
		// replays already ran their side effects on the original pass
		if out.Status == model.StatusReplayed {
			return out, nil
		}

		req := s.Request
		rawInput := req.RawText()
		eventID := out.EventID
		confidence := out.HeuristicConfidence
		duration := out.Duration
		success := out.Status == model.StatusPersisted
		prompt := s.Prompt
		response := s.RawOutput
		payload := out.Payload

		var evidence json.RawMessage
		if s.Context != nil && len(s.Context.Memories) > 0 {
			evidence, _ = json.Marshal(s.Context.Memories)
		}

		// only a run that produced a durable event marks the user active;
		// rejected or bogus requests must not enroll anyone for report sweeps
		if fx.Registry != nil {
			fx.Pool.Submit("registry-touch", func(ctx context.Context) error {
				return fx.Registry.Touch(ctx, req.UserID)
			})
		}

		if req.Feature != model.FeatureReport {
			fx.Pool.Submit("index-memory", func(ctx context.Context) error {
				return fx.Indexer.Index(ctx, req.UserID, eventID, req.Feature, rawInput)
			})
		}

		inputs, _ := json.Marshal(req)
		fx.Pool.Submit("decision-log", func(ctx context.Context) error {
			return fx.Audit.RecordDecision(ctx, &model.DecisionLogEntry{
				UserID:              req.UserID,
				TransactionID:       req.TransactionID,
				Feature:             req.Feature,
				Inputs:              inputs,
				Evidence:            evidence,
				Prompt:              prompt,
				Response:            response,
				HeuristicConfidence: confidence,
				Duration:            duration,
				Success:             success,
			})
		})

		if warm := handoffFrom(req, rawInput, payload); warm != nil && success {
			key := handoffKeyFor(req)
			fx.Pool.Submit("warm-start", func(ctx context.Context) error {
				return fx.Warm.Put(ctx, req.UserID, key, warm, fx.WarmTTL)
			})
		}

		return out, nil
	}
}

// handoffFrom derives the warm-start payload for features a session can
// continue from. Only valid generated output seeds a handoff.
func handoffFrom(req *model.FeatureRequest, rawInput string, payload any) *model.WarmStartContext {
	switch p := payload.(type) {
	case *model.DreamAnalysis:
		theme := ""
		if len(p.Themes) > 0 {
			theme = p.Themes[0]
		}
		return &model.WarmStartContext{
			OriginalInput:   rawInput,
			PriorReflection: p.Interpretation,
			Theme:           theme,
		}
	case *model.SessionReply:
		return &model.WarmStartContext{
			OriginalInput:   rawInput,
			PriorReflection: p.Message,
			Theme:           p.Theme,
		}
	case *model.DiaryInsight:
		theme := ""
		if len(p.Themes) > 0 {
			theme = p.Themes[0]
		}
		return &model.WarmStartContext{
			OriginalInput:   rawInput,
			PriorReflection: p.Reflection,
			Theme:           theme,
		}
	}
	return nil
}

// handoffKeyFor picks where the next turn will look: sessions keep their
// session key alive, everything else is keyed by its transaction id.
func handoffKeyFor(req *model.FeatureRequest) string {
	if req.Feature == model.FeatureSession && req.Session != nil {
		return req.Session.SessionID
	}
	return req.TransactionID
}
