package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/noctua-app/server/internal/reflection/model"
	logx "github.com/noctua-app/server/pkg/logger"
)

// Graph node keys.
const (
	NodeIntake           = "Intake"
	NodeContextAssembler = "ContextAssembler"
	NodePromptRender     = "PromptRender"
	NodeGenerate         = "Generate"
	NodeValidate         = "Validate"
	NodeRepairPrompt     = "RepairPrompt"
	NodePersist          = "Persist"
)

// ChatModelConfig holds the configuration for chat model creation.
type ChatModelConfig struct {
	Client          *genai.Client
	GenerationModel *model.GenerationModelConfig
	EnhancerModel   *model.EnhancerModelConfig
}

// ChatModels holds the generation model and the optional lightweight
// enhancer model used for retrieval query rewriting. Held as the eino model
// interface so the graph does not care which provider backs them.
type ChatModels struct {
	Generation          einomodel.BaseChatModel
	Enhancer            einomodel.BaseChatModel
	GenerationModelName string
	EnhancerModelName   string
}

// FailsafeChatModel absorbs provider errors from the wrapped model. An
// errored call is recorded in the run state and answered with an empty reply,
// so the run continues into validation, which substitutes the feature's
// fallback payload and the event is still persisted. The caller never sees a
// raw provider error.
type FailsafeChatModel struct {
	inner einomodel.BaseChatModel
}

func NewFailsafeChatModel(inner einomodel.BaseChatModel) *FailsafeChatModel {
	return &FailsafeChatModel{inner: inner}
}

func (m *FailsafeChatModel) Generate(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	out, err := m.inner.Generate(ctx, in, opts...)
	if err != nil {
		return m.absorb(ctx, err)
	}
	return out, nil
}

func (m *FailsafeChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	out, err := m.inner.Stream(ctx, in, opts...)
	if err != nil {
		msg, serr := m.absorb(ctx, err)
		if serr != nil {
			return nil, serr
		}
		return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
	}
	return out, nil
}

func (m *FailsafeChatModel) absorb(ctx context.Context, err error) (*schema.Message, error) {
	logx.Error().Err(err).Msg("generation call failed, degrading to fallback payload")
	serr := compose.ProcessState(ctx, func(_ context.Context, s *model.PipelineState) error {
		s.GenerationFailed = true
		s.GenerationError = err.Error()
		return nil
	})
	if serr != nil {
		return nil, serr
	}
	return schema.AssistantMessage("", nil), nil
}

var _ einomodel.BaseChatModel = (*FailsafeChatModel)(nil)

// NewChatModels creates the generation and enhancer chat models on a shared
// genai client.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("genai client is nil")
	}
	if config.GenerationModel == nil {
		return nil, fmt.Errorf("generation model config is nil")
	}

	generation, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      config.Client,
		Model:       config.GenerationModel.Model,
		Temperature: &config.GenerationModel.Temperature,
		MaxTokens:   &config.GenerationModel.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating generation model")
		return nil, fmt.Errorf("error creating generation model: %w", err)
	}

	cms := &ChatModels{
		Generation:          generation,
		GenerationModelName: config.GenerationModel.Model,
	}

	if config.EnhancerModel != nil && config.EnhancerModel.Enabled {
		enhancer, err := gemini.NewChatModel(ctx, &gemini.Config{
			Client:      config.Client,
			Model:       config.EnhancerModel.Model,
			Temperature: &config.EnhancerModel.Temperature,
			MaxTokens:   &config.EnhancerModel.MaxTokens,
		})
		if err != nil {
			logx.Error().Err(err).Msg("Error creating enhancer model")
			return nil, fmt.Errorf("error creating enhancer model: %w", err)
		}
		cms.Enhancer = enhancer
		cms.EnhancerModelName = config.EnhancerModel.Model
	}

	return cms, nil
}
