package controllers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tryonapi/models"
	"tryonapi/services"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
)

func errorJSON(c echo.Context, status int, message string) error {
	return c.JSON(status, models.StatusMessage{Status: "error", Message: message})
}

func isMultipart(c echo.Context) bool {
	return strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm)
}

// statusForError maps a failed try-on to its HTTP status. Bad input is the client's
// fault, an unreachable image URL is an upstream failure.
func statusForError(err error) int {
	if errors.Is(err, services.ErrMissingImage) {
		return http.StatusBadRequest
	}
	switch services.FailedStage(err) {
	case services.StageDecode:
		return http.StatusBadRequest
	case services.StageFetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func validationMessage(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		switch fieldErr.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", fieldErr.Field()))
		case "url":
			messages = append(messages, fmt.Sprintf("%s must be a valid url", fieldErr.Field()))
		default:
			messages = append(messages, fmt.Sprintf("%s is invalid", fieldErr.Field()))
		}
	}
	return strings.Join(messages, ", ")
}
