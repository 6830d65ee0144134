package executor

import (
	"context"
	"fmt"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/pipeline"
	"cadence/internal/retry"
	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

const persistTimeout = 2 * time.Second

func (s *Service) execute(parent context.Context, job workflow.Job, exec *workflow.Execution) {
	cfg := s.config()
	log := s.log.With(logx.String("job", job.ID), logx.String("execution", exec.ID))

	snap := s.view(exec)
	s.persist(snap)
	s.publish(workflow.EventStarted, snap, nil)
	log.Info("execution started", logx.String("trigger", string(exec.Trigger)), logx.Int("stages", len(job.Stages)))

	var rep pipeline.Report
	stages, err := s.stages.Resolve(job.Stages)
	if err != nil {
		rep = pipeline.Report{
			Status:     workflow.StatusFailed,
			StageIndex: 0,
			Error: &workflow.ErrorDetail{
				Kind:    workflow.KindConfig,
				Class:   workflow.ClassTerminal,
				Message: err.Error(),
			},
		}
	} else {
		budget := job.Budget
		if budget <= 0 {
			budget = cfg.Budget
		}
		ctx, cancel := context.WithTimeout(parent, budget)
		rep = s.runner.Run(ctx, pipeline.Request{
			JobID:       job.ID,
			ExecutionID: exec.ID,
			Trigger:     exec.Trigger,
			Stages:      stages,
			Retry:       retry.Resolve(job.Retry, cfg.Retry),
			Hooks:       s.hooks(exec, log),
		})
		cancel()
	}

	s.finish(exec, rep, log)
}

func (s *Service) hooks(exec *workflow.Execution, log logx.Logger) pipeline.Hooks {
	return pipeline.Hooks{
		StageStarted: func(i int, name string) {
			snap := s.update(exec, func(e *workflow.Execution) {
				e.StageIndex = i
				e.StageName = name
			})
			s.persist(snap)
			log.Debug("stage started", logx.Int("index", i), logx.String("stage", name))
		},
		StageFinished: func(i int, res workflow.StageResult) {
			snap := s.update(exec, func(e *workflow.Execution) {
				e.Results = append(e.Results, res)
			})
			s.persist(snap)
			if res.OK {
				s.publish(workflow.EventStageCompleted, snap, func(ev *workflow.ExecutionEvent) {
					ev.StageIndex = i
					ev.Stage = res.Name
					ev.Elapsed = res.Elapsed
				})
			}
			log.Debug("stage finished", logx.Int("index", i), logx.String("stage", res.Name), logx.Bool("ok", res.OK), logx.Int("attempts", res.Attempts))
		},
		Retrying: func(i int, name string, a retry.Attempt) {
			log.Info("stage retrying",
				logx.String("stage", name),
				logx.Int("attempt", a.Number),
				logx.Duration("wait", a.Wait),
				logx.String("kind", string(a.Class.Kind)),
				logx.Err(a.Err),
			)
		},
	}
}

func (s *Service) finish(exec *workflow.Execution, rep pipeline.Report, log logx.Logger) {
	now := s.clk.Now()
	cfg := s.config()

	s.stateMu.Lock()
	exec.StageIndex = rep.StageIndex
	if rep.StageName != "" {
		exec.StageName = rep.StageName
	}
	if len(rep.Results) >= len(exec.Results) {
		exec.Results = append([]workflow.StageResult(nil), rep.Results...)
	}
	exec.Finish(rep.Status, now, rep.Error)
	final := exec.Clone()
	delete(s.running, exec.JobID)
	s.recordLocked(final, cfg.HistorySize)
	s.stateMu.Unlock()

	s.persist(final)
	s.publish(workflow.EventTypeFor(final.Status), final, nil)

	fields := []logx.Field{
		logx.String("status", string(final.Status)),
		logx.Duration("duration", final.Duration),
		logx.String("stage", final.StageName),
	}
	if final.Error != nil {
		fields = append(fields,
			logx.String("kind", string(final.Error.Kind)),
			logx.String("class", string(final.Error.Class)),
			logx.String("error", final.Error.Message),
		)
	}
	switch final.Status {
	case workflow.StatusSucceeded:
		log.Info("execution succeeded", fields...)
	default:
		log.Warn("execution finished with error", fields...)
	}
}

func (s *Service) recordLocked(e workflow.Execution, limit int) {
	s.history = append(s.history, e)
	s.trimHistoryLocked(limit)
	s.last[e.JobID] = e
}

func (s *Service) trimHistoryLocked(limit int) {
	if limit > 0 && len(s.history) > limit {
		s.history = append([]workflow.Execution(nil), s.history[len(s.history)-limit:]...)
	}
}

func (s *Service) view(exec *workflow.Execution) workflow.Execution {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return exec.Clone()
}

func (s *Service) update(exec *workflow.Execution, fn func(e *workflow.Execution)) workflow.Execution {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	fn(exec)
	return exec.Clone()
}

// persist checkpoints e. Store failures are logged and never fail the run.
func (s *Service) persist(e workflow.Execution) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.SaveExecution(ctx, e); err != nil {
		s.log.Warn("execution checkpoint failed", logx.String("execution", e.ID), logx.Err(err))
	}
}

func (s *Service) publish(typ string, e workflow.Execution, mutate func(ev *workflow.ExecutionEvent)) {
	at := e.StartedAt
	if e.FinishedAt != nil {
		at = *e.FinishedAt
	} else if typ != workflow.EventStarted {
		at = s.clk.Now()
	}
	ev := workflow.ExecutionEvent{
		JobID:       e.JobID,
		ExecutionID: e.ID,
		Trigger:     e.Trigger,
		Status:      e.Status,
		At:          at,
		StageIndex:  e.StageIndex,
		Stage:       e.StageName,
		Elapsed:     e.Duration,
	}
	if e.Error != nil {
		ev.ErrorKind = e.Error.Kind
		ev.Error = e.Error.Message
		ev.Retryable = e.Error.Retryable
		ev.NeedsAction = e.Error.NeedsAction
	}
	if mutate != nil {
		mutate(&ev)
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

// Status reports what a job is doing: its live execution if any, otherwise
// the most recently finished one.
func (s *Service) Status(jobID string) (workflow.JobStatus, error) {
	if _, ok := s.jobs.Job(jobID); !ok {
		return workflow.JobStatus{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if e, ok := s.running[jobID]; ok {
		cp := e.Clone()
		return workflow.StatusFor(jobID, &cp), nil
	}
	if e, ok := s.last[jobID]; ok {
		cp := e.Clone()
		return workflow.StatusFor(jobID, &cp), nil
	}
	return workflow.StatusFor(jobID, nil), nil
}

// History returns up to limit finished executions, most recently finished
// first. A non-positive limit returns everything retained.
func (s *Service) History(limit int) []workflow.Execution {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]workflow.Execution, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i].Clone())
	}
	return out
}

// Running returns clones of the live executions.
func (s *Service) Running() []workflow.Execution {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	out := make([]workflow.Execution, 0, len(s.running))
	for _, e := range s.running {
		out = append(out, e.Clone())
	}
	return out
}

// Reconcile loads persisted history and closes out executions that were
// still running when the previous process exited. Call it before Start.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	cfg := s.config()

	past, err := s.store.ListExecutions(ctx, cfg.HistorySize)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}
	unfinished, err := s.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unfinished: %w", err)
	}

	s.stateMu.Lock()
	s.history = s.history[:0]
	for i := len(past) - 1; i >= 0; i-- {
		s.recordLocked(past[i], cfg.HistorySize)
	}
	s.stateMu.Unlock()

	now := s.clk.Now()
	for _, e := range unfinished {
		stage := e.StageName
		if stage == "" {
			stage = "(not started)"
		}
		e.Finish(workflow.StatusFailed, now, &workflow.ErrorDetail{
			Kind:    workflow.KindAbandoned,
			Class:   workflow.ClassTerminal,
			Message: fmt.Sprintf("abandoned at stage %q (index %d): process exited before the execution finished", stage, e.StageIndex),
			Stage:   e.StageName,
		})
		if err := s.store.SaveExecution(ctx, e); err != nil {
			s.log.Warn("failed to close abandoned execution", logx.String("execution", e.ID), logx.Err(err))
		}
		s.stateMu.Lock()
		s.recordLocked(e, cfg.HistorySize)
		s.stateMu.Unlock()
		s.publish(workflow.EventFailed, e, nil)
		s.log.Warn("abandoned execution marked failed",
			logx.String("job", e.JobID),
			logx.String("execution", e.ID),
			logx.String("stage", e.StageName),
		)
	}
	return len(unfinished), nil
}
