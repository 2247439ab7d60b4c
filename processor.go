/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postbox

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	redlock "github.com/nuomoria/postbox/internal/lock"
	"github.com/nuomoria/postbox/model"
)

// BatchRunner is anything that can run one dispatch batch.
type BatchRunner interface {
	RunBatch(ctx context.Context, batchSize int) (*model.BatchResult, error)
}

// DispatchProcessor polls the outbox in-process, running one batch per tick.
// An optional redis lock keeps replicas from polling at the same moment. The
// claim statement alone guarantees that no message is handed out twice.
type DispatchProcessor struct {
	runner       BatchRunner
	batchSize    int
	pollInterval time.Duration
	locker       *redlock.Locker
	lockTTL      time.Duration
	stopCh       chan struct{}
	wakeCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

// NewDispatchProcessor creates a poller around runner.
//
// Parameters:
// - runner BatchRunner: Usually the *Dispatcher or the *Postbox service.
// - batchSize int: Messages claimed per tick.
// - pollInterval time.Duration: Delay between ticks.
//
// Returns:
// - *DispatchProcessor: The configured processor.
func NewDispatchProcessor(runner BatchRunner, batchSize int, pollInterval time.Duration) *DispatchProcessor {
	return &DispatchProcessor{
		runner:       runner,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
	}
}

// Wake asks for a tick now instead of at the next interval. Wakes that arrive
// while a tick is already pending are coalesced.
func (p *DispatchProcessor) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// WithLocker guards every tick with locker, held for at most ttl.
func (p *DispatchProcessor) WithLocker(locker *redlock.Locker, ttl time.Duration) *DispatchProcessor {
	p.locker = locker
	p.lockTTL = ttl
	return p
}

// Start begins polling in the background. Calling it on a running processor does nothing.
func (p *DispatchProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
}

// Stop signals the poller and waits for the in-flight batch to finish.
func (p *DispatchProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Dispatch processor stopped")
}

func (p *DispatchProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *DispatchProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Dispatch processor context cancelled")
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		case <-p.wakeCh:
			p.tick(ctx)
			ticker.Reset(p.pollInterval)
		}
	}
}

func (p *DispatchProcessor) tick(ctx context.Context) {
	if p.locker == nil {
		p.runOnce(ctx)
		return
	}

	acquired, err := p.locker.WithLock(ctx, p.lockTTL, func(ctx context.Context) error {
		p.runOnce(ctx)
		return nil
	})
	if err != nil {
		logrus.WithError(err).Warn("dispatch poller lock error")
	} else if !acquired {
		logrus.Debug("dispatch poller lock held by another replica, skipping tick")
	}
}

func (p *DispatchProcessor) runOnce(ctx context.Context) {
	result, err := p.runner.RunBatch(ctx, p.batchSize)
	if err != nil {
		logrus.WithError(err).Error("dispatch poller run failed")
		return
	}
	if result.Attempted > 0 || len(result.WriteBackErrors) > 0 {
		logrus.WithFields(logrus.Fields{
			"attempted": result.Attempted,
			"sent":      result.Sent,
			"requeued":  result.Requeued,
			"failed":    result.FailedTerminal,
		}).Info("dispatch poller run finished")
	}
}
