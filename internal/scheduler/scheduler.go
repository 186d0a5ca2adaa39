package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/crop-yield-pipeline/internal/assets"
	"github.com/i474232898/crop-yield-pipeline/internal/pipeline"
)

// Jobs is the work the scheduler runs.
type Jobs interface {
	RefreshLatest(ctx context.Context) (assets.Scene, error)
	DeriveIndices(ctx context.Context) (*pipeline.DeriveReport, error)
}

// Scheduler periodically refreshes the latest scene and derives missing indices.
type Scheduler struct {
	scheduler      *gocron.Scheduler
	jobs           Jobs
	interval       time.Duration
	deriveInterval time.Duration
	timeout        time.Duration
}

// New creates a new Scheduler. A zero deriveInterval disables the derive job.
func New(jobs Jobs, interval, deriveInterval, timeout time.Duration) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		scheduler:      s,
		jobs:           jobs,
		interval:       interval,
		deriveInterval: deriveInterval,
		timeout:        timeout,
	}
}

// Start schedules the periodic jobs and starts the underlying scheduler.
// The refresh job runs once immediately.
func (s *Scheduler) Start() error {
	minutes := int(s.interval.Minutes())
	if minutes <= 0 {
		minutes = 60
	}

	_, err := s.scheduler.Every(minutes).Minutes().Do(s.refresh)
	if err != nil {
		return err
	}

	if s.deriveInterval > 0 {
		deriveMinutes := max(int(s.deriveInterval.Minutes()), 1)
		_, err = s.scheduler.Every(deriveMinutes).Minutes().WaitForSchedule().Do(s.derive)
		if err != nil {
			return err
		}
	} else {
		log.Println("scheduler: index derivation disabled")
	}

	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) refresh() {
	log.Println("scheduler: running scene refresh job")
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.jobs.RefreshLatest(ctx); err != nil {
		log.Printf("scheduler: scene refresh failed: %v", err)
		return
	}
	log.Println("scheduler: completed scene refresh job")
}

func (s *Scheduler) derive() {
	log.Println("scheduler: running index derivation job")
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.jobs.DeriveIndices(ctx)
	if err != nil {
		log.Printf("scheduler: index derivation failed: %v", err)
		return
	}
	if len(report.Written) > 0 {
		// New outputs may complete the latest scene.
		s.refresh()
	}
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
