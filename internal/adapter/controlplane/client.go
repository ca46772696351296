// Package controlplane is the HTTP client for the production control plane:
// pending HMI strings, their confirmations, and completion notifications.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/machine-gateway/internal/domain"
	"github.com/nexus-edge/machine-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

// Config holds the control plane endpoints.
type Config struct {
	// StringsURL returns the pending HMI strings of every machine
	StringsURL string

	// ConfirmURL is suffixed with /{machine_id}
	ConfirmURL string

	// BatchURL receives {"batch": "..."} on completion
	BatchURL string

	// TriggerURL receives an empty POST on completion
	TriggerURL string

	FetchTimeout time.Duration
	CallTimeout  time.Duration
}

// Client talks to the control plane. Any endpoint left empty turns the
// matching call into a no-op.
type Client struct {
	config Config
	http   *http.Client
	logger zerolog.Logger

	calls  atomic.Uint64
	errors atomic.Uint64
}

// NewClient creates a control plane client.
func NewClient(config Config, logger zerolog.Logger) *Client {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 5 * time.Second
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}
	return &Client{
		config: config,
		http:   &http.Client{},
		logger: logging.WithComponent(logger, "controlplane"),
	}
}

// stringsResponse is the envelope of the strings endpoint.
type stringsResponse struct {
	Status bool                       `json:"status"`
	Data   map[string]json.RawMessage `json:"data"`
}

// FetchCommands returns every command the control plane holds, ordered by
// machine id. Keys that are not integers are skipped.
func (c *Client) FetchCommands(ctx context.Context) ([]domain.PendingCommand, error) {
	if c.config.StringsURL == "" {
		return nil, nil
	}
	body, err := c.do(ctx, http.MethodGet, c.config.StringsURL, nil, c.config.FetchTimeout)
	if err != nil {
		return nil, err
	}

	var resp stringsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("%w: decode strings: %v", domain.ErrControlPlaneRequest, err)
	}
	if !resp.Status {
		return nil, nil
	}

	now := time.Now()
	cmds := make([]domain.PendingCommand, 0, len(resp.Data))
	for key, raw := range resp.Data {
		id, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			c.logger.Debug().Str("key", key).Msg("Skipping non-numeric machine id")
			continue
		}
		var cmd domain.PendingCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.logger.Warn().Err(err).Int("machine_id", id).Msg("Skipping malformed command")
			continue
		}
		cmd.MachineID = id
		cmd.ReceivedAt = now
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].MachineID < cmds[j].MachineID })
	return cmds, nil
}

// ConfirmCommand tells the control plane the machine's strings were handled.
func (c *Client) ConfirmCommand(ctx context.Context, machineID int) error {
	if c.config.ConfirmURL == "" {
		return nil
	}
	url := strings.TrimRight(c.config.ConfirmURL, "/") + "/" + strconv.Itoa(machineID)
	_, err := c.do(ctx, http.MethodPost, url, nil, c.config.CallTimeout)
	return err
}

// SubmitBatch posts the finished batch identifier.
func (c *Client) SubmitBatch(ctx context.Context, batch string) error {
	if c.config.BatchURL == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]string{"batch": batch})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, c.config.BatchURL, payload, c.config.CallTimeout)
	return err
}

// NotifyCompletion posts the process completion trigger.
func (c *Client) NotifyCompletion(ctx context.Context) error {
	if c.config.TriggerURL == "" {
		return nil
	}
	_, err := c.do(ctx, http.MethodPost, c.config.TriggerURL, nil, c.config.CallTimeout)
	return err
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte, timeout time.Duration) ([]byte, error) {
	c.calls.Add(1)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("%w: %v", domain.ErrControlPlaneRequest, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrControlPlaneRequest, method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrControlPlaneRequest, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.errors.Add(1)
		return nil, fmt.Errorf("%w: %s %s: status %d", domain.ErrControlPlaneRequest, method, url, resp.StatusCode)
	}
	return data, nil
}

// Stats returns call counters.
func (c *Client) Stats() map[string]uint64 {
	return map[string]uint64{
		"calls":  c.calls.Load(),
		"errors": c.errors.Load(),
	}
}
