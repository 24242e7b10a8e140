package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tryonapi/models"
	"tryonapi/services"

	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
)

const (
	TypeTryOnGeneration    = "generate:tryon"
	TypeRequeueStaleTryOns = "tryon:requeue_stale"

	QueueGenerate = "generate"
	MaxRetry      = 3
)

// Enqueuer is the part of *asynq.Client used to submit jobs.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type TryOnGenerationPayload struct {
	TryOnID uint `json:"try_on_id"`
}

func NewClient(brokerAddress string) *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{Addr: brokerAddress})
}

func NewTryOnGenerationTask(tryOnID uint) (*asynq.Task, error) {
	payload, err := json.Marshal(TryOnGenerationPayload{TryOnID: tryOnID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeTryOnGeneration, payload), nil
}

func NewRequeueStaleTryOnsTask() *asynq.Task {
	return asynq.NewTask(TypeRequeueStaleTryOns, []byte{})
}

// TryOnTaskID is fixed per row. asynq rejects a second task with the same ID while
// the first is pending, scheduled, retrying or running.
func TryOnTaskID(tryOnID uint) string {
	return fmt.Sprintf("tryon-%d", tryOnID)
}

// EnqueueTryOn submits the generation job for a stored pending row and returns the
// task ID. It returns asynq.ErrTaskIDConflict when the job is already queued.
func EnqueueTryOn(enqueuer Enqueuer, tryOn *models.TryOnResult) (string, error) {
	task, err := NewTryOnGenerationTask(tryOn.ID)
	if err != nil {
		return "", err
	}
	info, err := enqueuer.Enqueue(task,
		asynq.MaxRetry(MaxRetry),
		asynq.Queue(QueueGenerate),
		asynq.TaskID(TryOnTaskID(tryOn.ID)),
	)
	if err != nil {
		return "", err
	}
	fmt.Printf("[Queue] Try-on task submitted, TryOn ID: %v Task ID: %s\n", tryOn.ID, info.ID)
	return info.ID, nil
}

// HandleTryOnGenerationTask renders a pending try-on row. Rows in any other state are
// left alone. Bad input is not retried.
func HandleTryOnGenerationTask(ctx context.Context, t *asynq.Task, store services.MetadataStore, service *services.TryOnService) error {
	var payload TryOnGenerationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid try-on payload: %v: %w", err, asynq.SkipRetry)
	}
	fmt.Printf("[TryOn: %v] Start processing\n", payload.TryOnID)

	tryOn, err := store.Get(ctx, payload.TryOnID)
	if errors.Is(err, services.ErrTryOnNotFound) {
		return fmt.Errorf("[TryOn: %v] not found: %w", payload.TryOnID, asynq.SkipRetry)
	}
	if err != nil {
		sentry.CaptureException(fmt.Errorf("[TryOn: %v] error on retrieving try-on: %w", payload.TryOnID, err))
		return err
	}
	if tryOn.Status != models.TryOnStatusPending {
		fmt.Printf("[TryOn: %v] Status is %s, skipping\n", tryOn.ID, tryOn.Status)
		return nil
	}

	instruction := ""
	if tryOn.Instruction != nil {
		instruction = *tryOn.Instruction
	}
	taskID, _ := asynq.GetTaskID(ctx)
	rendered, err := service.Render(ctx, services.RenderRequest{
		RequestID:   taskID,
		UserID:      tryOn.UserID,
		ProductID:   tryOn.ProductID,
		UserImage:   services.ImageSource{URL: tryOn.UserImageURL},
		ClothImage:  services.ImageSource{URL: tryOn.ClothImageURL},
		Instruction: instruction,
	})
	if err != nil {
		shouldRetry := retryable(err)
		sentry.CaptureException(fmt.Errorf("[TryOn: %v] render failed: %w", tryOn.ID, err))
		if saveErr := saveTryOnFail(ctx, store, tryOn, err.Error(), shouldRetry); saveErr != nil {
			if !shouldRetry {
				return fmt.Errorf("%v: %w", saveErr, asynq.SkipRetry)
			}
			return saveErr
		}
		if !shouldRetry {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	tryOn.Status = models.TryOnStatusCompleted
	tryOn.ErrorMessage = nil
	services.ApplyRendered(tryOn, rendered)
	if err := store.Update(ctx, tryOn); err != nil {
		sentry.CaptureException(fmt.Errorf("[TryOn: %v] error on saving completed try-on: %w", tryOn.ID, err))
		return err
	}
	fmt.Printf("[TryOn: %v] Finished with backend %s: %s\n", tryOn.ID, rendered.Output.Backend, rendered.ResultURL)
	return nil
}

// HandleRequeueStaleTryOnsTask resubmits pending rows whose job was lost, for
// example when the broker was flushed.
func HandleRequeueStaleTryOnsTask(ctx context.Context, store services.MetadataStore, enqueuer Enqueuer, staleAfter time.Duration) error {
	stale, err := store.ListPending(ctx, time.Now().Add(-staleAfter), 100)
	if err != nil {
		return err
	}
	requeued := 0
	for i := range stale {
		tryOn := &stale[i]
		_, err := EnqueueTryOn(enqueuer, tryOn)
		switch {
		case err == nil:
			requeued++
		case errors.Is(err, asynq.ErrTaskIDConflict):
			// still waiting in the queue
		default:
			sentry.CaptureException(fmt.Errorf("[TryOn: %v] requeue failed: %w", tryOn.ID, err))
			continue
		}
		// refresh updated_at so the next tick does not pick the row up again
		if err := store.Update(ctx, tryOn); err != nil {
			sentry.CaptureException(fmt.Errorf("[TryOn: %v] error on touching requeued try-on: %w", tryOn.ID, err))
		}
	}
	if requeued > 0 {
		fmt.Printf("[Queue] Requeued %d stale try-ons\n", requeued)
	}
	return nil
}

// Decode failures and bad input will fail the same way on every attempt.
func retryable(err error) bool {
	if errors.Is(err, services.ErrMissingImage) {
		return false
	}
	switch services.FailedStage(err) {
	case services.StageDecode:
		return false
	case services.StageFetch:
		var statusErr *services.FetchStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			return false
		}
	}
	return true
}

func saveTryOnFail(ctx context.Context, store services.MetadataStore, tryOn *models.TryOnResult, msg string, shouldRetry bool) error {
	tryOn.RetryTimes = tryOn.RetryTimes + 1
	tryOn.ErrorMessage = &msg
	if !shouldRetry || tryOn.RetryTimes > MaxRetry {
		tryOn.Status = models.TryOnStatusFailed
	}
	if err := store.Update(ctx, tryOn); err != nil {
		sentry.CaptureException(fmt.Errorf("[TryOn: %v] error on saving try-on for failed status: %w", tryOn.ID, err))
		return err
	}
	return nil
}
