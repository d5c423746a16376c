// Package schedule runs the periodic snapshot loads and report deliveries.
package schedule

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"dealwatch/api/internal/report"
	"dealwatch/api/internal/store"
)

const (
	JobLoadStage   = "load stuck deals per stage"
	JobReportStage = "report stuck deals per stage"
	JobLoadOwner   = "load stuck deals per owner"
	JobReportOwner = "report stuck deals per owner"

	author = "scheduler"
)

// Runner is the work the scheduler triggers; *app.Service implements it.
type Runner interface {
	LoadStage(ctx context.Context, by string) (store.StageSnapshot, error)
	LoadOwner(ctx context.Context, by string) (store.OwnerSnapshot, error)
	ReportStage(ctx context.Context) (report.DeliveryReport, error)
	ReportOwner(ctx context.Context) (report.DeliveryReport, error)
	NotifyReportAdmins(ctx context.Context, job, result string) error
}

// Specs are standard five field cron expressions evaluated in UTC. An empty
// spec disables its job.
type Specs struct {
	LoadStage   string
	ReportStage string
	LoadOwner   string
	ReportOwner string
}

type Scheduler struct {
	runner  Runner
	cron    *cron.Cron
	timeout time.Duration
}

// New registers every job with a non-empty spec. timeout bounds one run.
func New(runner Runner, specs Specs, timeout time.Duration) (*Scheduler, error) {
	logger := cron.PrintfLogger(log.Default())
	s := &Scheduler{
		runner:  runner,
		timeout: timeout,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) string
	}{
		{JobLoadStage, specs.LoadStage, s.loadStage},
		{JobReportStage, specs.ReportStage, s.reportStage},
		{JobLoadOwner, specs.LoadOwner, s.loadOwner},
		{JobReportOwner, specs.ReportOwner, s.reportOwner},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.spec, func() { s.Run(context.Background(), job.name, job.run) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job.name, job.spec, err)
		}
		log.Printf("scheduled %s at %q UTC", job.name, job.spec)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Entries reports the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Run executes one job with the configured timeout and logs its result.
func (s *Scheduler) Run(ctx context.Context, name string, job func(context.Context) string) string {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	result := job(ctx)
	log.Printf("%s: %s", name, result)
	return result
}

// Loads report their outcome to the report admins; report runs already
// message them.
func (s *Scheduler) loadStage(ctx context.Context) string {
	result := "Stuck deals per stage: Data loaded"
	if _, err := s.runner.LoadStage(ctx, author); err != nil {
		result = "failed: " + err.Error()
	}
	s.notify(ctx, JobLoadStage, result)
	return result
}

func (s *Scheduler) loadOwner(ctx context.Context) string {
	result := "Stuck deals per owner: Data loaded"
	if _, err := s.runner.LoadOwner(ctx, author); err != nil {
		result = "failed: " + err.Error()
	}
	s.notify(ctx, JobLoadOwner, result)
	return result
}

func (s *Scheduler) reportStage(ctx context.Context) string {
	delivered, err := s.runner.ReportStage(ctx)
	return deliveryResult(delivered, err)
}

func (s *Scheduler) reportOwner(ctx context.Context) string {
	delivered, err := s.runner.ReportOwner(ctx)
	return deliveryResult(delivered, err)
}

func (s *Scheduler) notify(ctx context.Context, job, result string) {
	if err := s.runner.NotifyReportAdmins(ctx, job, result); err != nil {
		log.Printf("notify report admins of %s: %v", job, err)
	}
}

func deliveryResult(delivered report.DeliveryReport, err error) string {
	if err != nil {
		return "failed: " + err.Error()
	}
	return fmt.Sprintf("sent %d, uploaded %d, failed %d, skipped %d",
		delivered.Sent, delivered.Uploaded, delivered.Failed, delivered.Skipped)
}
