package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"

	"github.com/pulsefit/coach/internal/logger"
)

const (
	extractModelName = "gemini-1.5-flash-latest"
	maxFileBytes     = 8 << 20
)

// FileRef points at an uploaded file by URL; the bytes live in external
// storage.
type FileRef struct {
	Type string `json:"type"` // MIME type
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Extractor turns uploaded files into plain text for prompt composition.
// Extraction is best-effort: unreadable files are skipped, not fatal.
type Extractor interface {
	Extract(ctx context.Context, files []FileRef) (string, error)
}

// GeminiExtractor reads text files directly and sends images/documents
// through the multimodal model for OCR.
type GeminiExtractor struct {
	client *genai.Client
	httpc  *http.Client
	log    *logger.Logger
}

func NewGeminiExtractor(client *genai.Client, log *logger.Logger) *GeminiExtractor {
	return &GeminiExtractor{
		client: client,
		httpc:  &http.Client{Timeout: 30 * time.Second},
		log:    log.With("service", "GeminiExtractor"),
	}
}

func (e *GeminiExtractor) Extract(ctx context.Context, files []FileRef) (string, error) {
	var b strings.Builder
	for _, file := range files {
		text, err := e.extractOne(ctx, file)
		if err != nil {
			e.log.Warn("failed to extract file content, skipping", "file", file.Name, "error", err)
			continue
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", file.Name, text)
	}
	return strings.TrimSpace(b.String()), nil
}

func (e *GeminiExtractor) extractOne(ctx context.Context, file FileRef) (string, error) {
	data, err := e.fetch(ctx, file.URL)
	if err != nil {
		return "", err
	}

	mimeType := file.Type
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	if strings.HasPrefix(mimeType, "text/") || mimeType == "application/json" {
		return string(data), nil
	}
	return e.ocr(ctx, mimeType, data)
}

func (e *GeminiExtractor) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build file request: %w", err)
	}
	resp, err := e.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read file body: %w", err)
	}
	return data, nil
}

func (e *GeminiExtractor) ocr(ctx context.Context, mimeType string, data []byte) (string, error) {
	model := e.client.GenerativeModel(extractModelName)
	resp, err := model.GenerateContent(ctx,
		genai.Blob{MIMEType: mimeType, Data: data},
		genai.Text("Extract all readable text from this file. Return only the extracted text, nothing else."),
	)
	if err != nil {
		return "", fmt.Errorf("ocr request failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String()), nil
}
