package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tranchefund/native/fund"
)

// Quote is one price observation in 18-decimal fixed point.
type Quote struct {
	Price     *uint256.Int
	Timestamp time.Time
}

// Source resolves the current price of the underlying.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Quote, error)
}

// StaticSource always reports the same price. It is useful for test networks
// and for pinning a stable underlying.
type StaticSource struct {
	name  string
	price *uint256.Int
	now   func() time.Time
}

func NewStaticSource(name string, price *uint256.Int) *StaticSource {
	return &StaticSource{name: name, price: new(uint256.Int).Set(price), now: time.Now}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(context.Context) (Quote, error) {
	return Quote{Price: new(uint256.Int).Set(s.price), Timestamp: s.now()}, nil
}

// HTTPSource polls a JSON endpoint returning {"price":"1.25","timestamp":1700000000}.
type HTTPSource struct {
	name     string
	endpoint string
	client   *http.Client
}

func NewHTTPSource(name, endpoint string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPSource{name: name, endpoint: strings.TrimSpace(endpoint), client: client}
}

func (s *HTTPSource) Name() string { return s.name }

type httpQuote struct {
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

func (s *HTTPSource) Fetch(ctx context.Context) (Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("fetch %s: %w", s.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("fetch %s: unexpected status %d", s.name, resp.StatusCode)
	}
	var payload httpQuote
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("decode %s: %w", s.name, err)
	}
	price, err := fund.ParseDecimal(payload.Price)
	if err != nil {
		return Quote{}, fmt.Errorf("decode %s price: %w", s.name, err)
	}
	ts := time.Now()
	if payload.Timestamp > 0 {
		ts = time.Unix(payload.Timestamp, 0)
	}
	return Quote{Price: price, Timestamp: ts}, nil
}
