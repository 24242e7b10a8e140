package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"time"

	"tryonapi/logging"
	"tryonapi/models"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

var ErrMissingImage = errors.New("both user image and cloth image are required")

// ImageSource is an image given either by URL or as uploaded bytes.
type ImageSource struct {
	URL      string
	Data     []byte
	FileName string
}

func (s ImageSource) empty() bool {
	return s.URL == "" && len(s.Data) == 0
}

type RenderRequest struct {
	UserID      string
	ProductID   string
	UserImage   ImageSource
	ClothImage  ImageSource
	Instruction string
	// RequestID tags every log line of the render. The HTTP request ID or the task ID.
	RequestID string
}

type RenderedTryOn struct {
	ResultURL     string
	ResultKey     string
	UserImageURL  string
	ClothImageURL string
	Output        *TryOnOutput
	Duration      time.Duration
}

type TryOnOutcome struct {
	RenderedTryOn
	Record *models.TryOnResult
}

// TryOnService runs a try-on end to end: fetch, decode, generate, encode, upload, record.
type TryOnService struct {
	Fetcher   ImageFetcherProvider
	Generator TryOnGenerator
	Storage   StorageProvider
	Metadata  MetadataStore
	Logger    *zap.Logger

	// WhitenGarment enables garment background cleanup with CleanupMode.
	WhitenGarment bool
	CleanupMode   string
	Now           func() time.Time
}

func (s *TryOnService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *TryOnService) logger(operation, requestID string) *zap.Logger {
	return logging.WithOperation(s.Logger, operation, requestID)
}

// Render produces and uploads the try-on image without touching the metadata store.
func (s *TryOnService) Render(ctx context.Context, req RenderRequest) (*RenderedTryOn, error) {
	logger := s.logger("render", req.RequestID).With(zap.String("user_id", req.UserID), zap.String("product_id", req.ProductID))
	if req.UserImage.empty() || req.ClothImage.empty() {
		return nil, ErrMissingImage
	}
	ctx = logging.NewContext(ctx, logger)
	started := s.now()

	userImageURL, personBytes, err := s.resolve(ctx, req.UserID, req.UserImage)
	if err != nil {
		return nil, err
	}
	clothImageURL, garmentBytes, err := s.resolve(ctx, req.UserID+"_"+req.ProductID, req.ClothImage)
	if err != nil {
		return nil, err
	}

	person, err := DecodeImage(personBytes)
	if err != nil {
		return nil, newTryOnError(StageDecode, fmt.Errorf("user image: %w", err))
	}
	garment, err := DecodeImage(garmentBytes)
	if err != nil {
		return nil, newTryOnError(StageDecode, fmt.Errorf("cloth image: %w", err))
	}
	if s.WhitenGarment {
		garment = s.whiten(logger, garment)
	}

	out, err := s.Generator.Generate(ctx, &TryOnInput{Person: person, Garment: garment, Instruction: req.Instruction})
	if err != nil {
		if errors.Is(err, ErrInvalidImageDimensions) {
			return nil, newTryOnError(StageDecode, err)
		}
		return nil, newTryOnError(StageGenerate, err)
	}

	encoded, err := EncodePNG(out.Image)
	if err != nil {
		return nil, newTryOnError(StageGenerate, err)
	}
	key := TryOnResultKey(req.UserID, req.ProductID, s.now().Unix())
	uploaded, err := s.Storage.Upload(ctx, key, encoded, "image/png")
	if err != nil {
		return nil, newTryOnError(StageStore, err)
	}

	rendered := &RenderedTryOn{
		ResultURL:     uploaded.PublicURL,
		ResultKey:     key,
		UserImageURL:  userImageURL,
		ClothImageURL: clothImageURL,
		Output:        out,
		Duration:      s.now().Sub(started),
	}
	logger.Info("try-on rendered",
		zap.String("backend", out.Backend),
		zap.String("result_url", rendered.ResultURL),
		zap.Duration("duration", rendered.Duration),
	)
	return rendered, nil
}

// CreateTryOn renders and records a completed row. A failed insert is logged and
// reported but does not fail the try-on.
func (s *TryOnService) CreateTryOn(ctx context.Context, req RenderRequest) (*TryOnOutcome, error) {
	rendered, err := s.Render(ctx, req)
	if err != nil {
		return nil, err
	}
	outcome := &TryOnOutcome{RenderedTryOn: *rendered}
	if s.Metadata == nil {
		return outcome, nil
	}

	record := &models.TryOnResult{
		UserID:        req.UserID,
		ProductID:     req.ProductID,
		UserImageURL:  rendered.UserImageURL,
		ClothImageURL: rendered.ClothImageURL,
		Instruction:   StrPointer(req.Instruction),
		Status:        models.TryOnStatusCompleted,
	}
	ApplyRendered(record, rendered)
	if err := s.Metadata.Insert(ctx, record); err != nil {
		err = logging.NewOperationError("metadata insert", req.RequestID, err)
		s.logger("create_tryon", req.RequestID).Warn("failed to record try-on", zap.Error(err))
		sentry.CaptureException(err)
		return outcome, nil
	}
	outcome.Record = record
	return outcome, nil
}

// ApplyRendered copies the result of a render onto a stored row.
func ApplyRendered(record *models.TryOnResult, rendered *RenderedTryOn) {
	record.ResultURL = StrPointer(rendered.ResultURL)
	if rendered.UserImageURL != "" {
		record.UserImageURL = rendered.UserImageURL
	}
	if rendered.ClothImageURL != "" {
		record.ClothImageURL = rendered.ClothImageURL
	}
	duration := rendered.Duration.Seconds()
	record.Duration = &duration
	if out := rendered.Output; out != nil {
		record.UsedBackend = StrPointer(out.Backend)
		record.LLMModel = StrPointer(out.LLMModel)
		if out.TotalTokenCount > 0 {
			record.LLMInputTokenCount = Int32Pointer(out.InputTokenCount)
			record.LLMOutputTokenCount = Int32Pointer(out.OutputTokenCount)
			record.LLMThoughtsTokenCount = Int32Pointer(out.ThoughtsTokenCount)
			record.LLMTotalTokenCount = Int32Pointer(out.TotalTokenCount)
		}
	}
}

// UploadUserImage stores an uploaded person photo under user_uploads/.
func (s *TryOnService) UploadUserImage(ctx context.Context, userID, fileName string, data []byte) (*UploadResult, error) {
	if len(data) == 0 {
		return nil, ErrMissingImage
	}
	ext := DetectImageExtension(fileName, data)
	key := UserUploadKey(userID, ext, s.now().Unix())
	return s.Storage.Upload(ctx, key, data, http.DetectContentType(data))
}

// resolve returns the image bytes and the URL to record for them. Uploaded bytes are
// stored first, keyed by owner, so the row can point at them.
func (s *TryOnService) resolve(ctx context.Context, owner string, src ImageSource) (string, []byte, error) {
	if len(src.Data) > 0 {
		uploaded, err := s.UploadUserImage(ctx, owner, src.FileName, src.Data)
		if err != nil {
			return "", nil, newTryOnError(StageStore, err)
		}
		return uploaded.PublicURL, src.Data, nil
	}
	data, err := s.Fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return "", nil, newTryOnError(StageFetch, err)
	}
	return src.URL, data, nil
}

func (s *TryOnService) whiten(logger *zap.Logger, garment image.Image) image.Image {
	whitened, err := CleanGarmentBackground(garment, s.CleanupMode)
	if err != nil {
		logger.Warn("garment background cleanup skipped", zap.Error(err))
		return garment
	}
	return whitened
}

// NewTryOnService wires the fetcher and generator chain described by cfg.
func NewTryOnService(cfg *Config, storage StorageProvider, metadata MetadataStore, logger *zap.Logger) (*TryOnService, error) {
	fetcher, err := NewImageFetcher(cfg.Fetch)
	if err != nil {
		return nil, err
	}
	generator, err := NewGeneratorChain(cfg)
	if err != nil {
		return nil, err
	}
	return &TryOnService{
		Fetcher:       fetcher,
		Generator:     generator,
		Storage:       storage,
		Metadata:      metadata,
		Logger:        logger,
		WhitenGarment: cfg.Compositor.WhitenGarmentBackground,
		CleanupMode:   cfg.Compositor.CleanupMode,
	}, nil
}
