package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	"tryonapi/models"
	"tryonapi/services"

	"github.com/disintegration/imaging"
	"github.com/hibiken/asynq"
)

func JsonString(model interface{}) string {
	bytes, _ := json.Marshal(model)
	return string(bytes)
}

func NewJSONRequest(method string, target string, param interface{}) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	return req
}

// MultipartFile is one file part of a multipart request.
type MultipartFile struct {
	Field    string
	FileName string
	Data     []byte
}

func NewMultipartRequest(method string, target string, fields map[string]string, files ...MultipartFile) *http.Request {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		writer.WriteField(key, value)
	}
	for _, file := range files {
		part, _ := writer.CreateFormFile(file.Field, file.FileName)
		part.Write(file.Data)
	}
	writer.Close()

	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

// SolidImage returns a w x h image filled with c.
func SolidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func PNGBytes(img image.Image) []byte {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type StoredObject struct {
	Data        []byte
	ContentType string
}

type StorageMock struct {
	mu      sync.Mutex
	Objects map[string]StoredObject
	Err     error
	BaseURL string
}

func (s *StorageMock) Upload(ctx context.Context, key string, data []byte, contentType string) (*services.UploadResult, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Objects == nil {
		s.Objects = map[string]StoredObject{}
	}
	s.Objects[key] = StoredObject{Data: data, ContentType: contentType}
	return &services.UploadResult{Key: key, PublicURL: s.PublicURL(key), Size: len(data)}, nil
}

func (s *StorageMock) PublicURL(key string) string {
	base := s.BaseURL
	if base == "" {
		base = "https://storage.test/storage/v1/object/public"
	}
	return services.BuildPublicURL(base, "images", key)
}

func (s *StorageMock) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.Objects))
	for key := range s.Objects {
		keys = append(keys, key)
	}
	return keys
}

type MetadataStoreMock struct {
	mu        sync.Mutex
	Rows      map[uint]*models.TryOnResult
	nextID    uint
	InsertErr error
	UpdateErr error
}

func (m *MetadataStoreMock) Insert(ctx context.Context, result *models.TryOnResult) error {
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Rows == nil {
		m.Rows = map[uint]*models.TryOnResult{}
	}
	m.nextID++
	result.ID = m.nextID
	result.CreatedAt = time.Now()
	result.UpdatedAt = result.CreatedAt
	row := *result
	m.Rows[result.ID] = &row
	return nil
}

func (m *MetadataStoreMock) Get(ctx context.Context, id uint) (*models.TryOnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.Rows[id]
	if !ok {
		return nil, services.ErrTryOnNotFound
	}
	out := *row
	return &out, nil
}

func (m *MetadataStoreMock) Update(ctx context.Context, result *models.TryOnResult) error {
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Rows[result.ID]; !ok {
		return services.ErrTryOnNotFound
	}
	result.UpdatedAt = time.Now()
	row := *result
	m.Rows[result.ID] = &row
	return nil
}

func (m *MetadataStoreMock) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]models.TryOnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TryOnResult
	for id := uint(1); id <= m.nextID && len(out) < limit; id++ {
		row, ok := m.Rows[id]
		if ok && row.Status == models.TryOnStatusPending && row.UpdatedAt.Before(olderThan) {
			out = append(out, *row)
		}
	}
	return out, nil
}

// FetcherMock serves bytes by URL. Unknown URLs answer 404.
type FetcherMock struct {
	Images map[string][]byte
	Calls  int
}

func (f *FetcherMock) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.Calls++
	data, ok := f.Images[url]
	if !ok {
		return nil, &services.FetchStatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	return data, nil
}

type GeneratorMock struct {
	Backend string
	Err     error
	Output  image.Image
	Calls   int
}

func (g *GeneratorMock) Name() string {
	return g.Backend
}

func (g *GeneratorMock) Generate(ctx context.Context, in *services.TryOnInput) (*services.TryOnOutput, error) {
	g.Calls++
	if g.Err != nil {
		return nil, g.Err
	}
	out := g.Output
	if out == nil {
		out = in.Person
	}
	return &services.TryOnOutput{Image: out, Backend: g.Backend, LLMModel: "mock-model", TotalTokenCount: 10}, nil
}

// EnqueuerMock keeps submitted tasks. Like asynq, it rejects a task ID that is
// already queued with asynq.ErrTaskIDConflict.
type EnqueuerMock struct {
	Tasks   []*asynq.Task
	TaskIDs []string
	Err     error
}

func (e *EnqueuerMock) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	id := fmt.Sprintf("task-%d", len(e.Tasks)+1)
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			id = opt.Value().(string)
		}
	}
	if slices.Contains(e.TaskIDs, id) {
		return nil, asynq.ErrTaskIDConflict
	}
	e.Tasks = append(e.Tasks, task)
	e.TaskIDs = append(e.TaskIDs, id)
	return &asynq.TaskInfo{ID: id, Queue: "generate", Type: task.Type()}, nil
}
