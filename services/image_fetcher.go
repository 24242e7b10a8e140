package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"tryonapi/logging"

	"github.com/dgraph-io/ristretto"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
	"go.uber.org/zap"
)

type ImageFetcherProvider interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ImageFetcher downloads images by URL and keeps the bytes in a ristretto cache
// for a short while, so repeated try-ons of one product do not refetch it.
type ImageFetcher struct {
	client   *http.Client
	maxBytes int64
	ttl      time.Duration
	cache    *cache.LoadableCache[[]byte]
}

func NewImageFetcher(cfg FetchConfig) (*ImageFetcher, error) {
	fetcher := &ImageFetcher{
		client:   &http.Client{Timeout: cfg.Timeout},
		maxBytes: cfg.MaxImageBytes,
		ttl:      cfg.CacheTTL,
	}
	if cfg.CacheTTL <= 0 {
		return fetcher, nil
	}

	ristrettoCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 28, // 256MB of image bytes
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	ristrettoStore := ristretto_store.NewRistretto(ristrettoCache)

	loadFunction := func(ctx context.Context, key any) ([]byte, []store.Option, error) {
		url, ok := key.(string)
		if !ok {
			return nil, nil, fmt.Errorf("invalid key type provided to image cache: expected string, got %T", key)
		}
		logging.FromContext(ctx).Debug("image cache miss", zap.String("url", url))
		data, err := fetcher.download(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		return data, []store.Option{
			store.WithExpiration(fetcher.ttl),
			store.WithCost(int64(len(data))),
		}, nil
	}

	fetcher.cache = cache.NewLoadable[[]byte](
		loadFunction,
		cache.New[[]byte](ristrettoStore),
	)
	return fetcher, nil
}

func (f *ImageFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("image url is empty")
	}
	if f.cache == nil {
		return f.download(ctx, url)
	}
	return f.cache.Get(ctx, url)
}

func (f *ImageFetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchStatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", url, err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("image at %s exceeds %d bytes", url, f.maxBytes)
	}
	return data, nil
}
