package controllers

import (
	"math"
	"net/http"
	"reflect"
	"strings"
	"time"

	"tryonapi/models"
	"tryonapi/services"
	"tryonapi/tasks"

	"github.com/go-playground/validator"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

func NewValidator() *CustomValidator {
	v := validator.New()
	// report json field names in validation messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &CustomValidator{validator: v}
}

type ServerOptions struct {
	// requests per second per client IP, 0 disables the limiter
	RateLimit      float64
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// SetupServer builds the echo app. store and enqueuer may be nil: without a store
// try-ons are not recorded, without an enqueuer the async endpoint answers 503.
func SetupServer(
	tryOnService *services.TryOnService,
	store services.MetadataStore,
	enqueuer tasks.Enqueuer,
	opts ServerOptions,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = NewValidator()

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(RequestLoggerMiddleware(opts.Logger))
	if opts.RateLimit > 0 {
		// echo derives the burst from int(rate), which is 0 for fractional rates
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(opts.RateLimit),
			Burst:     max(1, int(math.Ceil(opts.RateLimit))),
			ExpiresIn: 3 * time.Minute,
		})))
	}

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, models.StatusMessage{Status: "ok", Message: "Try-On Backend Running"})
	})

	tryOnController := TryOnController{
		Service:        tryOnService,
		Store:          store,
		Enqueuer:       enqueuer,
		MaxUploadBytes: opts.MaxUploadBytes,
	}
	tryOnController.TryOnRoutes(e.Group(""))

	return e
}
