package lifecycle

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
)

// Sweeper drives the coordinator's timeout sweep on a fixed cadence.
type Sweeper struct {
	coordinator interfaces.LifecycleCoordinator
	interval    time.Duration
	logger      *common.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper ticking at the given interval.
func NewSweeper(coordinator interfaces.LifecycleCoordinator, interval time.Duration, logger *common.Logger) *Sweeper {
	return &Sweeper{
		coordinator: coordinator,
		interval:    interval,
		logger:      logger,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in timeout sweeper")
			}
		}()
		s.sweepLoop(ctx)
	}()

	s.logger.Info().Dur("interval", s.interval).Msg("Timeout sweeper started")
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.coordinator.SweepTimeouts(ctx, time.Now())
			if err != nil {
				s.logger.Warn().Err(err).Msg("Timeout sweep failed")
				continue
			}
			if swept > 0 {
				s.logger.Info().Int("swept", swept).Msg("Timeout sweep complete")
			}
		}
	}
}
