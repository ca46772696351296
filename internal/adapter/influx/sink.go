// Package influx writes change sets to InfluxDB v2.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/nexus-edge/machine-gateway/internal/domain"
	"github.com/nexus-edge/machine-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

const defaultPingTimeout = 5 * time.Second

// Config holds the InfluxDB connection settings.
type Config struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Timeout time.Duration
}

// Sink writes one point per change set through the blocking write API.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   zerolog.Logger
	closed   atomic.Bool

	written atomic.Uint64
	failed  atomic.Uint64
}

// NewSink creates a sink. No connection is made until the first write.
func NewSink(cfg Config, logger zerolog.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: influx url is required", domain.ErrInvalidConfig)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: influx bucket is required", domain.ErrInvalidConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	return &Sink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger: logging.WithComponent(logger, "influx-sink").With().
			Str("bucket", cfg.Bucket).
			Logger(),
	}, nil
}

// Point converts a change set into its InfluxDB point.
func Point(cs domain.ChangeSet) *write.Point {
	at := cs.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(
		cs.Tier.Measurement(),
		map[string]string{"machine_id": strconv.Itoa(cs.MachineID)},
		cs.FieldMap(),
		at,
	)
}

// WriteChangeSet writes one change set. Empty change sets are ignored.
func (s *Sink) WriteChangeSet(ctx context.Context, cs domain.ChangeSet) error {
	if s.closed.Load() {
		return domain.ErrServiceStopped
	}
	if cs.Empty() {
		return nil
	}

	if err := s.writeAPI.WritePoint(ctx, Point(cs)); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("%w: %s: %v", domain.ErrSinkWriteFailed, cs.Tier.Measurement(), err)
	}
	s.written.Add(1)
	return nil
}

// HealthCheck pings the server.
func (s *Sink) HealthCheck(ctx context.Context) error {
	if s.closed.Load() {
		return domain.ErrServiceStopped
	}
	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	ok, err := s.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// Stats returns write counters.
func (s *Sink) Stats() map[string]uint64 {
	return map[string]uint64{
		"written": s.written.Load(),
		"failed":  s.failed.Load(),
	}
}

// Close releases the client.
func (s *Sink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.client.Close()
	s.logger.Info().Uint64("written", s.written.Load()).Msg("InfluxDB sink closed")
	return nil
}
