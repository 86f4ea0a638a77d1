// Package schedule drives periodic camera maintenance between photo
// sessions: keepalive pings so vendor hardware does not power down, and a
// status poll that notices a silently dropped connection.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/camera"
	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/utils"
)

const DefaultInterval = 30 * time.Second

type Scheduler struct {
	t      *time.Ticker
	mgr    *camera.Manager
	lock   sync.Mutex
	active bool
	logger *zap.SugaredLogger
}

func New(ctx context.Context, mgr *camera.Manager) *Scheduler {
	t := time.NewTicker(time.Second)
	t.Stop()

	s := &Scheduler{
		t:      t,
		mgr:    mgr,
		logger: utils.GetLogger(),
	}
	s.startDeal(ctx)

	return s
}

// Begin starts keepalive ticking at the given interval; zero selects
// DefaultInterval.
func (s *Scheduler) Begin(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.lock.Lock()
	s.active = true
	s.lock.Unlock()
	s.t.Reset(interval)
	s.logger.Infof("scheduler: keepalive every %s", interval)
}

func (s *Scheduler) Stop() {
	s.t.Stop()
	s.lock.Lock()
	s.active = false
	s.lock.Unlock()
	s.logger.Info("scheduler: stopped")
}

func (s *Scheduler) startDeal(ctx context.Context) {
	go func(s *Scheduler) {
		for {
			select {
			case <-s.t.C:
				s.lock.Lock()
				if !s.active {
					s.lock.Unlock()
					continue
				}
				s.lock.Unlock()

				tickCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				if err := s.mgr.ExtendShutdownTimer(tickCtx); err != nil {
					s.logger.Warnf("scheduler: keepalive err: %s", err)
				}
				if _, err := s.mgr.Status(tickCtx); err != nil {
					s.logger.Warnf("scheduler: status poll err: %s", err)
				}
				cancel()
			case <-ctx.Done():
				s.t.Stop()
				s.logger.Info("scheduler: stopped!")
				return
			}
		}
	}(s)
}
