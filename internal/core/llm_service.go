package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/pulsefit/coach/internal/logger"
)

const defaultChatModelName = "gemini-1.5-flash-latest"

// GenConfig carries the per-call generation parameters.
type GenConfig struct {
	Temperature     float32
	MaxOutputTokens int32
}

// Generator is the text-generation boundary. Complete returns the full text
// synchronously; Stream emits text chunks on the first channel and exactly
// one value (nil or an error) on the second after the chunk channel closes.
// Neither mode retries: regeneration is non-deterministic and callers own
// the side effects of a request.
type Generator interface {
	Complete(ctx context.Context, prompt, systemInstruction string, cfg GenConfig) (string, error)
	Stream(ctx context.Context, prompt, systemInstruction string, cfg GenConfig) (<-chan string, <-chan error)
}

// LLMService implements Generator on top of the Gemini client.
type LLMService struct {
	client    *genai.Client
	log       *logger.Logger
	modelName string
	timeout   time.Duration
}

func NewLLMService(client *genai.Client, log *logger.Logger, timeout time.Duration) *LLMService {
	return &LLMService{
		client:    client,
		log:       log.With("service", "LLMService"),
		modelName: defaultChatModelName,
		timeout:   timeout,
	}
}

func (s *LLMService) model(systemInstruction string, cfg GenConfig) *genai.GenerativeModel {
	model := s.client.GenerativeModel(s.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemInstruction)},
	}
	temp := cfg.Temperature
	maxTokens := cfg.MaxOutputTokens
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     &temp,
		MaxOutputTokens: &maxTokens,
	}
	return model
}

func (s *LLMService) Complete(ctx context.Context, prompt, systemInstruction string, cfg GenConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	model := s.model(systemInstruction, cfg)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", wrapGenerationError(err)
	}

	text := responseText(resp)
	if text == "" {
		return "", wrapGenerationError(fmt.Errorf("model returned no text candidates"))
	}
	return text, nil
}

func (s *LLMService) Stream(ctx context.Context, prompt, systemInstruction string, cfg GenConfig) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		model := s.model(systemInstruction, cfg)
		iter := model.GenerateContentStream(ctx, genai.Text(prompt))
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				errc <- nil
				return
			}
			if err != nil {
				errc <- wrapGenerationError(err)
				return
			}
			if text := responseText(resp); text != "" {
				select {
				case chunks <- text:
				case <-ctx.Done():
					errc <- wrapGenerationError(ctx.Err())
					return
				}
			}
		}
	}()

	return chunks, errc
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.log.Warn("error closing GenAI client", "error", err)
		}
	}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func wrapGenerationError(err error) error {
	var apiErr *googleapi.Error
	code := 0
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	}
	return &GenerationError{Code: code, Err: err}
}
