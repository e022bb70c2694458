/*
Copyright 2024 FieldSync Authors.

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

package fieldsync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/farmforce/fieldsync/model"
)

// OutboxRecoveryProcessor periodically re-dispatches projects whose outbox
// rows were stranded in flight: staged rows with no running push, or a push
// whose run has been open longer than the stuck threshold (a crashed worker).
// Re-dispatch goes through the task queue, so its per-project dedupe key keeps
// a sweep from doubling up on a push that is actually still alive.
type OutboxRecoveryProcessor struct {
	fieldsync      *Fieldsync
	pollInterval   time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewOutboxRecoveryProcessor(f *Fieldsync) *OutboxRecoveryProcessor {
	return &OutboxRecoveryProcessor{
		fieldsync:      f,
		pollInterval:   30 * time.Second,
		stuckThreshold: 1 * time.Hour,
		stopCh:         make(chan struct{}),
	}
}

func (p *OutboxRecoveryProcessor) Start(ctx context.Context) {
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

	logrus.Info("Outbox recovery processor started")
}

func (p *OutboxRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Outbox recovery processor stopped")
}

func (p *OutboxRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *OutboxRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Outbox recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Outbox recovery processor stop signal received")
			return
		case <-ticker.C:
			if _, err := p.fieldsync.RecoverStrandedOutbox(ctx, p.stuckThreshold); err != nil {
				logrus.Errorf("outbox recovery sweep failed: %v", err)
			}
		}
	}
}

// RecoverStrandedOutbox sweeps every active project once; for each stranded
// project it resets rows stuck in processing back to pending and re-dispatches
// a push. It returns the number of projects dispatched. Exposed for the manual
// trigger API endpoint.
func (f *Fieldsync) RecoverStrandedOutbox(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold < 2*time.Minute {
		threshold = 2 * time.Minute
	}

	projects, err := f.datasource.GetActiveProjects(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, project := range projects {
		if !project.FullAttendanceEnabled {
			continue
		}
		stranded, err := f.isStranded(ctx, project.ProjectID, threshold)
		if err != nil {
			logrus.Errorf("recovery check failed for project %s: %v", project.ProjectID, err)
			continue
		}
		if !stranded {
			continue
		}

		logrus.Warnf("project %s has stranded outbox rows, re-dispatching push", project.ProjectID)

		// Rows stuck in processing belong to the dead push; free them so
		// the re-dispatched drain can claim them again.
		for _, queue := range []model.OutboxQueue{model.QueueHouseholds, model.QueueParticipants, model.QueueAttendance} {
			n, err := f.datasource.ResetProcessingOutbox(ctx, queue, project.ProjectID)
			if err != nil {
				logrus.Errorf("failed to reset processing %s rows for project %s: %v", queue, project.ProjectID, err)
				continue
			}
			if n > 0 {
				logrus.Infof("reset %d stuck processing %s rows for project %s", n, queue, project.ProjectID)
			}
		}

		if f.queue != nil {
			if err := f.queue.EnqueuePush(ctx, project.ProjectID, ""); err != nil {
				logrus.Errorf("failed to enqueue recovery push for project %s: %v", project.ProjectID, err)
				continue
			}
		} else {
			if _, err := f.RunSequentialOutboxPush(ctx, project.ProjectID, ""); err != nil {
				logrus.Errorf("recovery push failed for project %s: %v", project.ProjectID, err)
				continue
			}
		}
		recovered++
	}
	return recovered, nil
}

// isStranded reports whether a project has in-flight outbox rows without a
// healthy push: no running run at all, or one older than the threshold.
func (f *Fieldsync) isStranded(ctx context.Context, projectID string, threshold time.Duration) (bool, error) {
	inFlight := 0
	for _, queue := range []model.OutboxQueue{model.QueueHouseholds, model.QueueParticipants, model.QueueAttendance} {
		n, err := f.datasource.CountOutboxInFlight(ctx, queue, projectID)
		if err != nil {
			return false, err
		}
		inFlight += n
	}
	if inFlight == 0 {
		return false, nil
	}

	running, err := f.datasource.GetRunningUploadRun(ctx, projectID)
	if err != nil {
		return false, err
	}
	if running == nil {
		return true, nil
	}
	return time.Since(running.StartedAt) > threshold, nil
}
