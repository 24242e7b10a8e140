package services

import (
	"context"
	"errors"
	"fmt"
	"image"

	"tryonapi/logging"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

const LocalBackendName = "local"

type TryOnInput struct {
	Person      image.Image
	Garment     image.Image
	Instruction string
}

type TryOnOutput struct {
	Image   image.Image
	Backend string

	LLMModel           string
	InputTokenCount    int32
	OutputTokenCount   int32
	ThoughtsTokenCount int32
	TotalTokenCount    int32
}

// TryOnGenerator produces a picture of the person wearing the garment.
type TryOnGenerator interface {
	Name() string
	Generate(ctx context.Context, in *TryOnInput) (*TryOnOutput, error)
}

// LocalCompositor is the deterministic overlay backend. It ignores the instruction.
type LocalCompositor struct {
	Config CompositeConfig
}

func (LocalCompositor) Name() string {
	return LocalBackendName
}

func (l LocalCompositor) Generate(ctx context.Context, in *TryOnInput) (*TryOnOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := l.Config
	if cfg.WidthRatio <= 0 {
		cfg = DefaultCompositeConfig()
	}
	out, err := cfg.Composite(in.Person, in.Garment)
	if err != nil {
		return nil, err
	}
	return &TryOnOutput{Image: out, Backend: LocalBackendName}, nil
}

// FallbackGenerator tries each generator in order and returns the first success.
type FallbackGenerator struct {
	Generators []TryOnGenerator
}

func (f FallbackGenerator) Name() string {
	if len(f.Generators) == 0 {
		return ""
	}
	return f.Generators[0].Name()
}

func (f FallbackGenerator) Generate(ctx context.Context, in *TryOnInput) (*TryOnOutput, error) {
	if len(f.Generators) == 0 {
		return nil, fmt.Errorf("no try-on generators configured")
	}
	var errs []error
	for _, generator := range f.Generators {
		out, err := generator.Generate(ctx, in)
		if err == nil {
			if out.Backend == "" {
				out.Backend = generator.Name()
			}
			return out, nil
		}
		logging.FromContext(ctx).Warn("generator failed, falling back",
			zap.String("backend", generator.Name()),
			zap.Error(err),
		)
		sentry.CaptureException(fmt.Errorf("generator %s: %w", generator.Name(), err))
		errs = append(errs, fmt.Errorf("%s: %w", generator.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// NewGeneratorChain returns Gemini followed by the local compositor when an API key
// is configured, otherwise only the local compositor.
func NewGeneratorChain(cfg *Config) (*FallbackGenerator, error) {
	geometry, err := cfg.CompositeConfig()
	if err != nil {
		return nil, err
	}
	local := LocalCompositor{Config: geometry}
	if !cfg.GeminiEnabled() {
		return &FallbackGenerator{Generators: []TryOnGenerator{local}}, nil
	}
	gemini := &GeminiGenerator{
		APIKey:  cfg.Gemini.APIKey,
		Model:   cfg.Gemini.Model,
		Timeout: cfg.Gemini.Timeout,
		BaseURL: cfg.Gemini.BaseURL,
	}
	return &FallbackGenerator{Generators: []TryOnGenerator{gemini, local}}, nil
}
