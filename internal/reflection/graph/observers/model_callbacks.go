package observers

import (
	"context"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	logx "github.com/noctua-app/server/pkg/logger"
)

// Prompt and reply bodies are personal content; logs carry sizes and roles,
// never the text itself.
func newModelHandler() *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			messages := 0
			chars := 0
			if input != nil {
				for _, m := range input.Messages {
					if m == nil {
						continue
					}
					messages++
					chars += len(m.Content)
				}
			}
			logx.Debug().Str("node", info.Name).Str("type", info.Type).
				Int("messages", messages).Int("prompt_chars", chars).
				Msg("model call start")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			replyChars := 0
			if output != nil && output.Message != nil {
				replyChars = len(strings.TrimSpace(output.Message.Content))
			}
			logx.Debug().Str("node", info.Name).Str("type", info.Type).
				Int("reply_chars", replyChars).
				Msg("model call end")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Error().Str("node", info.Name).Str("type", info.Type).Err(err).
				Msg("model call failed")
			return ctx
		},
	}
}
