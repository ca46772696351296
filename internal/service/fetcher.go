package service

import (
	"context"
	"time"

	"github.com/nexus-edge/machine-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// CommandSource returns the commands the control plane currently holds.
type CommandSource interface {
	FetchCommands(ctx context.Context) ([]domain.PendingCommand, error)
}

// fetcher polls the control plane and fills the mailbox.
type fetcher struct {
	source   CommandSource
	queue    *CommandQueue
	known    map[int]struct{}
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	onError  func()
}

// run loops until ctx is cancelled. The first fetch happens immediately.
func (f *fetcher) run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		f.fetchOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fetchOnce performs one fetch. Only active commands for configured
// machines are queued.
func (f *fetcher) fetchOnce(ctx context.Context) int {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmds, err := f.source.FetchCommands(callCtx)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Warn().Err(err).Msg("Failed to fetch pending commands")
			if f.onError != nil {
				f.onError()
			}
		}
		return 0
	}

	queued := 0
	for _, cmd := range cmds {
		if !cmd.Status {
			continue
		}
		if _, ok := f.known[cmd.MachineID]; !ok {
			f.logger.Debug().Int("machine_id", cmd.MachineID).Msg("Ignoring command for unconfigured machine")
			continue
		}
		if cmd.ReceivedAt.IsZero() {
			cmd.ReceivedAt = time.Now()
		}
		f.queue.Put(cmd)
		queued++
	}

	if queued > 0 {
		f.logger.Debug().Int("queued", queued).Msg("Queued pending commands")
	}
	return queued
}
