package fees

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"zec-relay/internal/scheduler"
)

// Sample is one priority-fee observation, in lamports. The zero value
// means no live sample has been taken yet.
type Sample struct {
	P50       int64     `json:"p50"`
	P95       int64     `json:"p95"`
	SampledAt time.Time `json:"sampled_at"`
}

// IsZero reports whether the sample is the uninitialised placeholder.
func (s Sample) IsZero() bool {
	return s.SampledAt.IsZero()
}

// SampleSource is the read side of the sampler cache.
type SampleSource interface {
	Current() Sample
	Live() bool
}

// HistoryStore persists successful samples for later inspection.
type HistoryStore interface {
	InsertFeeSample(ctx context.Context, sample Sample) error
}

// SamplerOptions parameterise the background sampler.
type SamplerOptions struct {
	Endpoint string
	Interval time.Duration
	Timeout  time.Duration
}

// Sampler polls the external priority-fee service and caches the latest
// percentile sample. The cache is replaced wholesale on each successful
// poll; readers never observe a partial update and are never blocked.
// On failure the previous sample keeps serving.
type Sampler struct {
	opts    SamplerOptions
	logger  zerolog.Logger
	client  *http.Client
	history HistoryStore

	current atomic.Pointer[Sample]
}

// NewSampler constructs a Sampler. history may be nil.
func NewSampler(opts SamplerOptions, history HistoryStore, logger zerolog.Logger) *Sampler {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	s := &Sampler{
		opts:    opts,
		logger:  logger.With().Str("component", "fee_sampler").Logger(),
		client:  &http.Client{Timeout: timeout},
		history: history,
	}
	s.current.Store(&Sample{})
	return s
}

// Live reports whether a live fee endpoint is configured.
func (s *Sampler) Live() bool {
	return s.opts.Endpoint != ""
}

// Current returns the latest cached sample without blocking.
func (s *Sampler) Current() Sample {
	return *s.current.Load()
}

// Run samples on the configured interval until ctx is cancelled. The
// first sample is taken eagerly so early quote calls are not starved.
func (s *Sampler) Run(ctx context.Context) error {
	if !s.Live() {
		s.logger.Info().Msg("fee endpoint not configured; serving fallback constants")
		<-ctx.Done()
		return ctx.Err()
	}

	loop := scheduler.New(scheduler.Options{
		Interval: s.opts.Interval,
		Eager:    true,
	}, s.logger)

	return loop.Run(ctx, s.SampleOnce)
}

// SampleOnce performs a single poll and, on success, replaces the cache
// and records the sample in history.
func (s *Sampler) SampleOnce(ctx context.Context, now time.Time) error {
	sample, err := s.fetch(ctx)
	if err != nil {
		return fmt.Errorf("sample priority fees: %w", err)
	}
	sample.SampledAt = now

	s.current.Store(&sample)
	s.logger.Debug().Int64("p50", sample.P50).Int64("p95", sample.P95).Msg("priority fee sample updated")

	if s.history != nil {
		if err := s.history.InsertFeeSample(ctx, sample); err != nil {
			s.logger.Error().Err(err).Msg("persist fee sample failed")
		}
	}
	return nil
}

func (s *Sampler) fetch(ctx context.Context) (Sample, error) {
	if s.opts.Endpoint == "" {
		return Sample{}, errors.New("fee endpoint not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.Endpoint, nil)
	if err != nil {
		return Sample{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Sample{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Sample{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Sample{}, fmt.Errorf("fee service HTTP %d", resp.StatusCode)
	}

	var body struct {
		Lamports struct {
			P50 int64 `json:"p50"`
			P95 int64 `json:"p95"`
		} `json:"lamports"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Sample{}, fmt.Errorf("decode fee response: %w", err)
	}

	return Sample{P50: body.Lamports.P50, P95: body.Lamports.P95}, nil
}

var _ SampleSource = (*Sampler)(nil)
