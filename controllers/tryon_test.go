package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tryonapi/models"
	"tryonapi/services"
	"tryonapi/tasks"
	"tryonapi/test"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	personURL  = "https://images.test/person.png"
	garmentURL = "https://images.test/shirt.png"
	notesURL   = "https://images.test/notes.txt"
	publicBase = "https://storage.test/storage/v1/object/public/images/"
)

type testServer struct {
	e        *echo.Echo
	service  *services.TryOnService
	storage  *test.StorageMock
	store    *test.MetadataStoreMock
	enqueuer *test.EnqueuerMock
}

func setupTestServer(t *testing.T) *testServer {
	storage := &test.StorageMock{}
	store := &test.MetadataStoreMock{}
	enqueuer := &test.EnqueuerMock{}
	service := &services.TryOnService{
		Fetcher: &test.FetcherMock{Images: map[string][]byte{
			personURL:  test.PNGBytes(test.SolidImage(100, 100, color.NRGBA{R: 128, G: 128, B: 128, A: 255})),
			garmentURL: test.PNGBytes(test.SolidImage(50, 30, color.NRGBA{R: 255, A: 255})),
			notesURL:   []byte("plain text"),
		}},
		Generator: services.LocalCompositor{},
		Storage:   storage,
		Metadata:  store,
		Now:       func() time.Time { return time.Unix(1700000000, 0) },
	}
	e := SetupServer(service, store, enqueuer, ServerOptions{})
	return &testServer{e: e, service: service, storage: storage, store: store, enqueuer: enqueuer}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func tryOnBody() models.TryOnRequestIn {
	return models.TryOnRequestIn{
		UserID:        "user-1",
		ProductID:     "sku-1",
		UserImageURL:  personURL,
		ClothImageURL: garmentURL,
	}
}

func TestHealthCheck(t *testing.T) {
	server := setupTestServer(t)
	rec := server.do(httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusMessage{Status: "ok", Message: "Try-On Backend Running"}, decode[models.StatusMessage](t, rec))
}

func TestUploadUserImage(t *testing.T) {
	server := setupTestServer(t)
	file := test.MultipartFile{Field: "file", FileName: "me.png", Data: test.PNGBytes(test.SolidImage(4, 4, color.NRGBA{A: 255}))}

	rec := server.do(test.NewMultipartRequest(http.MethodPost, "/upload_user_image", map[string]string{"user_id": "user-1"}, file))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[models.UploadResponseOut](t, rec)
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, publicBase+"user_uploads/user-1_1700000000.png", out.PublicURL)

	rec = server.do(test.NewMultipartRequest(http.MethodPost, "/upload_user_image", nil, file))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, publicBase+"user_uploads/anonymous_1700000000.png", decode[models.UploadResponseOut](t, rec).PublicURL)
}

func TestUploadUserImageErrors(t *testing.T) {
	server := setupTestServer(t)

	rec := server.do(test.NewJSONRequest(http.MethodPost, "/upload_user_image", map[string]string{"user_id": "user-1"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No file provided", decode[models.StatusMessage](t, rec).Message)

	rec = server.do(test.NewMultipartRequest(http.MethodPost, "/upload_user_image", map[string]string{"user_id": "user-1"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	server.storage.Err = errors.New("bucket not found")
	file := test.MultipartFile{Field: "file", FileName: "me.png", Data: []byte("bytes")}
	rec = server.do(test.NewMultipartRequest(http.MethodPost, "/upload_user_image", nil, file))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", decode[models.StatusMessage](t, rec).Status)
}

func TestCreateTryOnWithURLs(t *testing.T) {
	server := setupTestServer(t)

	rec := server.do(test.NewJSONRequest(http.MethodPost, "/tryon", tryOnBody()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := decode[models.TryOnResponseOut](t, rec)
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, publicBase+"tryon_results/user-1_sku-1_1700000000.png", out.ResultURL)
	assert.Equal(t, services.LocalBackendName, out.UsedBackend)
	assert.Equal(t, uint(1), out.TryOnID)

	row := server.store.Rows[out.TryOnID]
	require.NotNil(t, row)
	assert.Equal(t, models.TryOnStatusCompleted, row.Status)
}

func TestCreateTryOnLogsRequestID(t *testing.T) {
	server := setupTestServer(t)
	core, logs := observer.New(zap.InfoLevel)
	server.service.Logger = zap.New(core)

	req := test.NewJSONRequest(http.MethodPost, "/tryon", tryOnBody())
	req.Header.Set(echo.HeaderXRequestID, "req-7")
	rec := server.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "req-7", rec.Header().Get(echo.HeaderXRequestID))

	rendered := logs.FilterMessage("try-on rendered").All()
	require.Len(t, rendered, 1)
	assert.Equal(t, "req-7", rendered[0].ContextMap()["request_id"])

	rec = server.do(test.NewJSONRequest(http.MethodPost, "/tryon", tryOnBody()))
	require.Equal(t, http.StatusOK, rec.Code)
	generated := rec.Header().Get(echo.HeaderXRequestID)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, logs.FilterMessage("try-on rendered").All()[1].ContextMap()["request_id"])
}

func TestCreateTryOnWithUploads(t *testing.T) {
	server := setupTestServer(t)
	fields := map[string]string{"user_id": "user-1", "product_id": "sku-1", "instruction": "  loose fit "}
	person := test.MultipartFile{Field: "user_image", FileName: "me.png", Data: test.PNGBytes(test.SolidImage(60, 60, color.NRGBA{B: 200, A: 255}))}
	cloth := test.MultipartFile{Field: "cloth_image", FileName: "shirt.png", Data: test.PNGBytes(test.SolidImage(20, 20, color.NRGBA{G: 200, A: 255}))}

	rec := server.do(test.NewMultipartRequest(http.MethodPost, "/tryon", fields, person, cloth))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.ElementsMatch(t, []string{
		"user_uploads/user-1_1700000000.png",
		"user_uploads/user-1_sku-1_1700000000.png",
		"tryon_results/user-1_sku-1_1700000000.png",
	}, server.storage.Keys())

	out := decode[models.TryOnResponseOut](t, rec)
	row := server.store.Rows[out.TryOnID]
	require.NotNil(t, row)
	assert.Equal(t, "loose fit", *row.Instruction)
}

func TestCreateTryOnValidation(t *testing.T) {
	server := setupTestServer(t)

	for name, tc := range map[string]struct {
		body    models.TryOnRequestIn
		message string
	}{
		"missing user": {
			body:    models.TryOnRequestIn{ProductID: "sku-1", UserImageURL: personURL, ClothImageURL: garmentURL},
			message: "user_id is required",
		},
		"bad url": {
			body:    models.TryOnRequestIn{UserID: "u", ProductID: "p", UserImageURL: "not a url", ClothImageURL: garmentURL},
			message: "user_image_url must be a valid url",
		},
		"missing image": {
			body:    models.TryOnRequestIn{UserID: "u", ProductID: "p", UserImageURL: personURL},
			message: "Image URLs missing",
		},
	} {
		rec := server.do(test.NewJSONRequest(http.MethodPost, "/tryon", tc.body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Equal(t, tc.message, decode[models.StatusMessage](t, rec).Message, name)
	}

	rec := server.do(test.NewJSONRequest(http.MethodPost, "/tryon", "oops"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decode[models.StatusMessage](t, rec).Message)
	assert.Empty(t, server.storage.Keys())
}

func TestCreateTryOnUpstreamFailures(t *testing.T) {
	server := setupTestServer(t)

	body := tryOnBody()
	body.ClothImageURL = "https://images.test/gone.png"
	rec := server.do(test.NewJSONRequest(http.MethodPost, "/tryon", body))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "error", decode[models.StatusMessage](t, rec).Status)

	body = tryOnBody()
	body.UserImageURL = notesURL
	rec = server.do(test.NewJSONRequest(http.MethodPost, "/tryon", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	server.storage.Err = errors.New("bucket not found")
	rec = server.do(test.NewJSONRequest(http.MethodPost, "/tryon", tryOnBody()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, server.store.Rows)
}

func TestCreateTryOnSucceedsWhenRecordingFails(t *testing.T) {
	server := setupTestServer(t)
	server.store.InsertErr = errors.New("connection refused")

	rec := server.do(test.NewJSONRequest(http.MethodPost, "/tryon", tryOnBody()))
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[models.TryOnResponseOut](t, rec)
	assert.Equal(t, "success", out.Status)
	assert.NotEmpty(t, out.ResultURL)
	assert.NotContains(t, rec.Body.String(), "try_on_id")
}

func TestCreateTryOnAsync(t *testing.T) {
	server := setupTestServer(t)

	rec := server.do(test.NewJSONRequest(http.MethodPost, "/tryon/async", tryOnBody()))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	out := decode[models.TryOnAsyncResponseOut](t, rec)
	assert.Equal(t, models.TryOnStatusPending, out.Status)
	assert.Equal(t, "tryon-1", out.TaskID)

	require.Len(t, server.enqueuer.Tasks, 1)
	assert.Equal(t, tasks.TypeTryOnGeneration, server.enqueuer.Tasks[0].Type())
	row := server.store.Rows[out.TryOnID]
	require.NotNil(t, row)
	assert.Equal(t, models.TryOnStatusPending, row.Status)
	assert.Equal(t, personURL, row.UserImageURL)
	// nothing is rendered before the worker runs
	assert.Empty(t, server.storage.Keys())
}

func TestCreateTryOnAsyncEnqueueFailure(t *testing.T) {
	server := setupTestServer(t)
	server.enqueuer.Err = errors.New("redis down")

	rec := server.do(test.NewJSONRequest(http.MethodPost, "/tryon/async", tryOnBody()))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Len(t, server.store.Rows, 1)
	assert.Equal(t, models.TryOnStatusFailed, server.store.Rows[1].Status)
}

func TestCreateTryOnAsyncWithoutQueue(t *testing.T) {
	e := SetupServer(&services.TryOnService{}, nil, nil, ServerOptions{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, test.NewJSONRequest(http.MethodPost, "/tryon/async", tryOnBody()))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tryon/1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetTryOn(t *testing.T) {
	server := setupTestServer(t)
	rec := server.do(test.NewJSONRequest(http.MethodPost, "/tryon", tryOnBody()))
	require.Equal(t, http.StatusOK, rec.Code)
	created := decode[models.TryOnResponseOut](t, rec)

	rec = server.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/tryon/%d", created.TryOnID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	row := decode[models.TryOnResult](t, rec)
	assert.Equal(t, "user-1", row.UserID)
	assert.Equal(t, created.ResultURL, *row.ResultURL)

	rec = server.do(httptest.NewRequest(http.MethodGet, "/tryon/404", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = server.do(httptest.NewRequest(http.MethodGet, "/tryon/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForError(services.ErrMissingImage))
	assert.Equal(t, http.StatusBadRequest, statusForError(&services.TryOnError{Stage: services.StageDecode, Err: errors.New("x")}))
	assert.Equal(t, http.StatusBadGateway, statusForError(&services.TryOnError{Stage: services.StageFetch, Err: errors.New("x")}))
	assert.Equal(t, http.StatusInternalServerError, statusForError(&services.TryOnError{Stage: services.StageGenerate, Err: errors.New("x")}))
	assert.Equal(t, http.StatusInternalServerError, statusForError(errors.New("x")))
}

func TestRateLimiter(t *testing.T) {
	for _, tc := range []struct {
		rate    float64
		allowed int
	}{
		{rate: 0.5, allowed: 1},
		{rate: 2, allowed: 2},
	} {
		e := SetupServer(&services.TryOnService{}, nil, nil, ServerOptions{RateLimit: tc.rate})
		for i := 0; i < tc.allowed; i++ {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, http.StatusOK, rec.Code, "rate %v request %d", tc.rate, i)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "rate %v", tc.rate)
	}
}
