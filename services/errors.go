package services

import (
	"errors"
	"fmt"
)

// Pipeline stages reported by TryOnError.
const (
	StageFetch    = "fetch"
	StageDecode   = "decode"
	StageGenerate = "generate"
	StageStore    = "store"
)

var ErrNoImageReturned = errors.New("generator returned no image")

// TryOnError tells which step of a try-on failed.
type TryOnError struct {
	Stage string
	Err   error
}

func (e *TryOnError) Error() string {
	return fmt.Sprintf("try-on %s failed: %v", e.Stage, e.Err)
}

func (e *TryOnError) Unwrap() error {
	return e.Err
}

func newTryOnError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &TryOnError{Stage: stage, Err: err}
}

// FailedStage returns the stage of a wrapped TryOnError, or "".
func FailedStage(err error) string {
	var tryOnErr *TryOnError
	if errors.As(err, &tryOnErr) {
		return tryOnErr.Stage
	}
	return ""
}

// FetchStatusError is returned for non-2xx responses when fetching an image URL.
type FetchStatusError struct {
	URL        string
	StatusCode int
}

func (e *FetchStatusError) Error() string {
	return fmt.Sprintf("fetching %s returned status %d", e.URL, e.StatusCode)
}
