package sentiment

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	langchainprompts "github.com/tmc/langchaingo/prompts"
)

// ToolOpenAI scores with an OpenAI chat model
const ToolOpenAI = "openai"

const scorePrompt = `Rate the sentiment of the following social media post on a scale from -1 (very negative) to 1 (very positive), where 0 is neutral.

Post: {{.text}}

Answer with the number only.`

// LLMScorer asks a language model for a score
type LLMScorer struct {
	model  llms.Model
	prompt langchainprompts.PromptTemplate
	log    *logrus.Logger
}

// NewLLMScorer creates a scorer backed by model
func NewLLMScorer(model llms.Model, log *logrus.Logger) *LLMScorer {
	return &LLMScorer{
		model:  model,
		prompt: langchainprompts.NewPromptTemplate(scorePrompt, []string{"text"}),
		log:    log,
	}
}

// NewOpenAIScorer creates an LLM scorer talking to OpenAI
func NewOpenAIScorer(apiKey, model string, log *logrus.Logger) (*LLMScorer, error) {
	opts := []openai.Option{openai.WithToken(apiKey)}
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAI: %w", err)
	}
	return NewLLMScorer(llm, log), nil
}

// Score implements Scorer. An answer that is not a number in [-1, 1] yields ok=false.
func (s *LLMScorer) Score(ctx context.Context, text string) (float64, bool, error) {
	prompt, err := s.prompt.Format(map[string]any{"text": text})
	if err != nil {
		return 0, false, fmt.Errorf("error formatting sentiment prompt: %w", err)
	}

	completion, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt,
		llms.WithTemperature(0),
		llms.WithMaxTokens(8),
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to generate completion: %w", err)
	}

	score, err := strconv.ParseFloat(strings.TrimSpace(completion), 64)
	if err != nil || score < -1 || score > 1 {
		s.log.WithField("completion", completion).Warn("Model returned no usable sentiment score")
		return 0, false, nil
	}
	return score, true, nil
}
