// Package httpclient wraps outbound calls to named upstream APIs with a
// pooled transport, retry with jittered backoff, and a per-upstream
// circuit breaker.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/jpillora/backoff"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const maxResponseBody = 4 << 20

// Response is the outcome of one logical call, after retries.
type Response struct {
	Success      bool            `json:"success"`
	Status       int             `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
	ResponseTime time.Duration   `json:"response_time"`
	Attempt      int             `json:"attempt"`
	CircuitState string          `json:"circuit_state"`
}

// ClientMetrics are per-upstream call counters.
type ClientMetrics struct {
	Requests      int64         `json:"requests"`
	Failures      int64         `json:"failures"`
	Retries       int64         `json:"retries"`
	CircuitOpens  int64         `json:"circuit_opens"`
	TotalLatency  time.Duration `json:"-"`
	AvgLatency    time.Duration `json:"avg_latency"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorTime time.Time     `json:"last_error_time,omitempty"`
}

type upstream struct {
	cfg     config.ExternalAPIConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	metrics ClientMetrics
}

// Service routes requests to configured upstream APIs by name.
type Service struct {
	logger *log.Logger

	mu        sync.RWMutex
	upstreams map[string]*upstream
}

func NewService(apis map[string]config.ExternalAPIConfig, logger *log.Logger) *Service {
	s := &Service{
		logger:    logger.Named("httpclient"),
		upstreams: make(map[string]*upstream, len(apis)),
	}
	for _, api := range apis {
		s.addUpstream(api)
	}
	return s
}

func (s *Service) addUpstream(api config.ExternalAPIConfig) {
	up := &upstream{
		cfg: api,
		client: &http.Client{
			Timeout: api.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	name := api.Name
	up.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(api.SuccessThreshold),
		Timeout:     api.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(api.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("Circuit state changed",
				zap.String("upstream", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if to == gobreaker.StateOpen {
				up.mu.Lock()
				up.metrics.CircuitOpens++
				up.mu.Unlock()
			}
		},
	})
	s.mu.Lock()
	s.upstreams[name] = up
	s.mu.Unlock()
}

func (s *Service) upstream(name string) (*upstream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	up, ok := s.upstreams[name]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "unknown upstream %q", name)
	}
	return up, nil
}

func (s *Service) Get(ctx context.Context, api, path string, headers map[string]string) (*Response, error) {
	return s.Request(ctx, api, http.MethodGet, path, nil, headers)
}

func (s *Service) Post(ctx context.Context, api, path string, body interface{}, headers map[string]string) (*Response, error) {
	return s.Request(ctx, api, http.MethodPost, path, body, headers)
}

func (s *Service) Put(ctx context.Context, api, path string, body interface{}, headers map[string]string) (*Response, error) {
	return s.Request(ctx, api, http.MethodPut, path, body, headers)
}

func (s *Service) Delete(ctx context.Context, api, path string, headers map[string]string) (*Response, error) {
	return s.Request(ctx, api, http.MethodDelete, path, nil, headers)
}

// Request performs one logical call with up to MaxRetries retries on
// retryable failures. 4xx responses (except 429) never retry; a rejected
// breaker call fails fast with KindCircuitOpen.
func (s *Service) Request(ctx context.Context, api, method, path string, body interface{}, headers map[string]string) (*Response, error) {
	up, err := s.upstream(api)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	bo := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
	start := time.Now()
	var resp *Response
	var lastErr error

	for attempt := 1; attempt <= up.cfg.MaxRetries+1; attempt++ {
		resp, lastErr = s.attempt(ctx, up, method, path, payload, headers)
		up.record(time.Since(start), lastErr)
		if resp != nil {
			resp.Attempt = attempt
			resp.ResponseTime = time.Since(start)
			resp.CircuitState = up.breaker.State().String()
		}
		if lastErr == nil {
			return resp, nil
		}
		if !errs.Retryable(lastErr) {
			break
		}
		if attempt <= up.cfg.MaxRetries {
			up.mu.Lock()
			up.metrics.Retries++
			up.mu.Unlock()
			select {
			case <-time.After(bo.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if resp == nil {
		resp = &Response{
			Error:        lastErr.Error(),
			ResponseTime: time.Since(start),
			CircuitState: up.breaker.State().String(),
		}
	}
	return resp, lastErr
}

func (s *Service) attempt(ctx context.Context, up *upstream, method, path string, payload []byte, headers map[string]string) (*Response, error) {
	result, err := up.breaker.Execute(func() (interface{}, error) {
		return s.doRequest(ctx, up, method, path, payload, headers)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errs.Wrap(errs.KindCircuitOpen, fmt.Sprintf("upstream %s circuit open", up.cfg.Name), err)
	}
	resp, _ := result.(*Response)
	return resp, err
}

func (s *Service) doRequest(ctx context.Context, up *upstream, method, path string, payload []byte, headers map[string]string) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, up.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := up.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindConnection, "request failed", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, errs.Wrap(errs.KindConnection, "read response", err)
	}

	resp := &Response{Status: res.StatusCode, Data: data}
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		resp.Success = true
		return resp, nil
	case res.StatusCode == http.StatusTooManyRequests:
		return resp, errs.Newf(errs.KindThrottled, "upstream %s throttled", up.cfg.Name)
	case res.StatusCode >= 500:
		return resp, errs.Newf(errs.KindConnection, "upstream %s returned %d", up.cfg.Name, res.StatusCode)
	default:
		resp.Error = fmt.Sprintf("upstream %s returned %d", up.cfg.Name, res.StatusCode)
		return resp, errs.New(errs.KindConflict, resp.Error)
	}
}

func (u *upstream) record(latency time.Duration, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.metrics.Requests++
	u.metrics.TotalLatency += latency
	u.metrics.AvgLatency = u.metrics.TotalLatency / time.Duration(u.metrics.Requests)
	if err != nil {
		u.metrics.Failures++
		u.metrics.LastError = err.Error()
		u.metrics.LastErrorTime = time.Now()
	}
}

// Metrics snapshots every upstream's counters.
func (s *Service) Metrics() map[string]ClientMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ClientMetrics, len(s.upstreams))
	for name, up := range s.upstreams {
		up.mu.Lock()
		out[name] = up.metrics
		up.mu.Unlock()
	}
	return out
}

// CircuitState reports the breaker state for one upstream.
func (s *Service) CircuitState(api string) (string, error) {
	up, err := s.upstream(api)
	if err != nil {
		return "", err
	}
	return up.breaker.State().String(), nil
}
