package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tryonapi/logging"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// LLMModelName is the image model used for generated try-ons.
type LLMModelName int32

const (
	Flash25Image LLMModelName = iota
	Flash20Image
)

func (t LLMModelName) String() string {
	switch t {
	case Flash25Image:
		return "gemini-2.5-flash-image-preview"
	case Flash20Image:
		return "gemini-2.0-flash-preview-image-generation"
	default:
		return "gemini-2.5-flash-image-preview"
	}
}

const GeminiBackendName = "gemini"

const defaultTryOnInstruction = "Dress the person from the first image in the garment from the second image. " +
	"Keep the person's face, identity, body proportions, pose and background unchanged. " +
	"The garment must keep its color, pattern and fabric. Return only the edited photo."

func floatPointer(f float32) *float32 {
	return &f
}

// GeminiGenerator asks a Gemini image model to edit the person photo.
type GeminiGenerator struct {
	APIKey  string
	Model   string
	Timeout time.Duration
	// BaseURL overrides the Gemini API endpoint, empty for the default.
	BaseURL string
}

func (*GeminiGenerator) Name() string {
	return GeminiBackendName
}

func (g *GeminiGenerator) Generate(ctx context.Context, in *TryOnInput) (*TryOnOutput, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      g.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: g.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	parts, err := buildTryOnParts(in)
	if err != nil {
		return nil, err
	}

	model := g.Model
	if model == "" {
		model = Flash25Image.String()
	}
	result, err := client.Models.GenerateContent(ctx, model, []*genai.Content{{Parts: parts}}, &genai.GenerateContentConfig{
		Temperature:        floatPointer(0.4),
		ResponseModalities: []string{"TEXT", "IMAGE"},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	images, err := GetAllInlineImages(result)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, ErrNoImageReturned
	}
	img, err := DecodeImage(images[0])
	if err != nil {
		return nil, fmt.Errorf("gemini returned an undecodable image: %w", err)
	}

	out := &TryOnOutput{Image: img, Backend: GeminiBackendName, LLMModel: model}
	if usage := result.UsageMetadata; usage != nil {
		out.InputTokenCount = usage.PromptTokenCount
		out.OutputTokenCount = usage.CandidatesTokenCount
		out.ThoughtsTokenCount = usage.ThoughtsTokenCount
		out.TotalTokenCount = usage.TotalTokenCount
		logging.FromContext(ctx).Info("gemini token usage",
			zap.String("model", model),
			zap.Int32("input_tokens", out.InputTokenCount),
			zap.Int32("output_tokens", out.OutputTokenCount),
			zap.Int32("total_tokens", out.TotalTokenCount),
		)
	}
	return out, nil
}

// buildTryOnParts lays out [person, garment, instruction].
func buildTryOnParts(in *TryOnInput) ([]*genai.Part, error) {
	person, err := EncodePNG(in.Person)
	if err != nil {
		return nil, err
	}
	garment, err := EncodePNG(in.Garment)
	if err != nil {
		return nil, err
	}
	instruction := strings.TrimSpace(in.Instruction)
	if instruction == "" {
		instruction = defaultTryOnInstruction
	}
	return []*genai.Part{
		{InlineData: &genai.Blob{MIMEType: "image/png", Data: person}},
		{InlineData: &genai.Blob{MIMEType: "image/png", Data: garment}},
		{Text: instruction},
	}, nil
}

// GetAllInlineImages collects the image parts of every candidate. Blocked prompts or
// candidates are reported as errors.
func GetAllInlineImages(result *genai.GenerateContentResponse) ([][]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("empty gemini response")
	}
	if result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("content violation: %s %s", result.PromptFeedback.BlockReason, result.PromptFeedback.BlockReasonMessage)
	}

	var allImageData [][]byte
	for _, cand := range result.Candidates {
		for _, rating := range cand.SafetyRatings {
			if rating.Blocked {
				return nil, fmt.Errorf("content blocked by safety setting: %s", rating.Category)
			}
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || !strings.HasPrefix(part.InlineData.MIMEType, "image/") {
				continue
			}
			if len(part.InlineData.Data) > 0 {
				allImageData = append(allImageData, part.InlineData.Data)
			}
		}
	}
	return allImageData, nil
}
