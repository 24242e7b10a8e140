package controllers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"tryonapi/models"
	"tryonapi/services"
	"tryonapi/tasks"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const defaultMaxUploadBytes = 20 << 20

type TryOnController struct {
	Service  *services.TryOnService
	Store    services.MetadataStore
	Enqueuer tasks.Enqueuer

	MaxUploadBytes int64
}

func (controller *TryOnController) TryOnRoutes(g *echo.Group) {
	g.POST("/upload_user_image", controller.UploadUserImage)
	g.POST("/tryon", controller.CreateTryOn)
	g.POST("/tryon/async", controller.CreateTryOnAsync)
	g.GET("/tryon/:id", controller.GetTryOn)
}

func (controller *TryOnController) UploadUserImage(c echo.Context) error {
	if !isMultipart(c) {
		return errorJSON(c, http.StatusBadRequest, "No file provided")
	}
	source, err := controller.readFormImage(c, "file")
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if len(source.Data) == 0 {
		return errorJSON(c, http.StatusBadRequest, "No file provided")
	}
	userID := c.FormValue("user_id")
	if userID == "" {
		userID = "anonymous"
	}

	uploaded, err := controller.Service.UploadUserImage(c.Request().Context(), userID, source.FileName, source.Data)
	if err != nil {
		requestLogger(c).Error("user image upload failed", zap.Error(err))
		sentry.CaptureException(err)
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, models.UploadResponseOut{Status: "success", PublicURL: uploaded.PublicURL})
}

func (controller *TryOnController) CreateTryOn(c echo.Context) error {
	req, err := controller.bindRenderRequest(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	outcome, err := controller.Service.CreateTryOn(c.Request().Context(), req)
	if err != nil {
		status := statusForError(err)
		requestLogger(c).Error("try-on failed", zap.Int("status", status), zap.Error(err))
		if status >= http.StatusInternalServerError {
			sentry.CaptureException(err)
		}
		return errorJSON(c, status, err.Error())
	}

	response := models.TryOnResponseOut{
		Status:      "success",
		ResultURL:   outcome.ResultURL,
		UsedBackend: outcome.Output.Backend,
	}
	if outcome.Record != nil {
		response.TryOnID = outcome.Record.ID
	}
	return c.JSON(http.StatusOK, response)
}

// CreateTryOnAsync records a pending try-on and leaves the rendering to the worker.
func (controller *TryOnController) CreateTryOnAsync(c echo.Context) error {
	if controller.Enqueuer == nil || controller.Store == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "Service is not available, please try again a bit later")
	}
	req, err := controller.bindRenderRequest(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	userImageURL, err := controller.sourceURL(c, req.UserID, req.UserImage)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	clothImageURL, err := controller.sourceURL(c, req.UserID+"_"+req.ProductID, req.ClothImage)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}

	tryOn := models.TryOnResult{
		UserID:        req.UserID,
		ProductID:     req.ProductID,
		UserImageURL:  userImageURL,
		ClothImageURL: clothImageURL,
		Instruction:   services.StrPointer(req.Instruction),
		Status:        models.TryOnStatusPending,
	}
	if err := controller.Store.Insert(ctx, &tryOn); err != nil {
		sentry.CaptureException(err)
		return errorJSON(c, http.StatusInternalServerError, "Failed to create try-on, please try again")
	}

	taskID, err := tasks.EnqueueTryOn(controller.Enqueuer, &tryOn)
	if err != nil {
		sentry.CaptureException(err)
		msg := "Sorry, could not queue try-on, please try again"
		tryOn.Status = models.TryOnStatusFailed
		tryOn.ErrorMessage = &msg
		if updateErr := controller.Store.Update(ctx, &tryOn); updateErr != nil {
			sentry.CaptureException(updateErr)
		}
		return errorJSON(c, http.StatusInternalServerError, msg)
	}

	return c.JSON(http.StatusAccepted, models.TryOnAsyncResponseOut{
		Status:  models.TryOnStatusPending,
		TryOnID: tryOn.ID,
		TaskID:  taskID,
	})
}

func (controller *TryOnController) GetTryOn(c echo.Context) error {
	if controller.Store == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "Service is not available, please try again a bit later")
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "Invalid try-on id")
	}
	tryOn, err := controller.Store.Get(c.Request().Context(), uint(id))
	if errors.Is(err, services.ErrTryOnNotFound) {
		return errorJSON(c, http.StatusNotFound, "Try-on not found")
	}
	if err != nil {
		sentry.CaptureException(err)
		return errorJSON(c, http.StatusInternalServerError, "Failed to get try-on")
	}
	return c.JSON(http.StatusOK, tryOn)
}

// bindRenderRequest accepts a JSON body or a multipart form with optional
// user_image and cloth_image files in place of the URLs.
func (controller *TryOnController) bindRenderRequest(c echo.Context) (services.RenderRequest, error) {
	var in models.TryOnRequestIn
	if err := c.Bind(&in); err != nil {
		return services.RenderRequest{}, errors.New("Invalid request body")
	}
	if err := c.Validate(in); err != nil {
		return services.RenderRequest{}, errors.New(validationMessage(err))
	}

	req := services.RenderRequest{
		UserID:      in.UserID,
		ProductID:   in.ProductID,
		UserImage:   services.ImageSource{URL: in.UserImageURL},
		ClothImage:  services.ImageSource{URL: in.ClothImageURL},
		Instruction: strings.TrimSpace(in.Instruction),
		RequestID:   c.Response().Header().Get(echo.HeaderXRequestID),
	}

	if isMultipart(c) {
		uploads := []struct {
			field string
			dst   *services.ImageSource
		}{
			{"user_image", &req.UserImage},
			{"cloth_image", &req.ClothImage},
		}
		for _, upload := range uploads {
			source, err := controller.readFormImage(c, upload.field)
			if err != nil {
				return services.RenderRequest{}, err
			}
			if len(source.Data) > 0 {
				*upload.dst = source
			}
		}
	}

	if req.UserImage.URL == "" && len(req.UserImage.Data) == 0 ||
		req.ClothImage.URL == "" && len(req.ClothImage.Data) == 0 {
		return services.RenderRequest{}, errors.New("Image URLs missing")
	}
	return req, nil
}

func (controller *TryOnController) readFormImage(c echo.Context, field string) (services.ImageSource, error) {
	fileHeader, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return services.ImageSource{}, nil
	}
	if err != nil {
		return services.ImageSource{}, fmt.Errorf("Invalid %s upload: %v", field, err)
	}
	file, err := fileHeader.Open()
	if err != nil {
		return services.ImageSource{}, fmt.Errorf("Invalid %s upload: %v", field, err)
	}
	defer file.Close()

	limit := controller.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return services.ImageSource{}, fmt.Errorf("Invalid %s upload: %v", field, err)
	}
	if int64(len(data)) > limit {
		return services.ImageSource{}, fmt.Errorf("%s is larger than %d bytes", field, limit)
	}
	return services.ImageSource{Data: data, FileName: fileHeader.Filename}, nil
}

// sourceURL uploads inline bytes so the worker can fetch them later.
func (controller *TryOnController) sourceURL(c echo.Context, owner string, source services.ImageSource) (string, error) {
	if len(source.Data) == 0 {
		return source.URL, nil
	}
	uploaded, err := controller.Service.UploadUserImage(c.Request().Context(), owner, source.FileName, source.Data)
	if err != nil {
		sentry.CaptureException(err)
		return "", err
	}
	return uploaded.PublicURL, nil
}
