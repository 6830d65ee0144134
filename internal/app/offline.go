package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/clock"
	"cadence/internal/config"
	"cadence/internal/retry"
	"cadence/internal/stages"
	"cadence/pkg/logx"
)

// Check loads the config at path and runs every check the running service
// would, without starting anything.
func Check(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, err
	}
	var errs []error
	if _, err := retry.NewClassifier(cfg.Signatures); err != nil {
		errs = append(errs, fmt.Errorf("signatures: %w", err))
	}
	reg := stages.NewRegistry(cfg.WorkDir, logx.Nop())
	defs, err := mapStageDefinitions(cfg)
	if err != nil {
		return nil, err
	}
	compiled, err := reg.Compile(defs)
	if err != nil {
		errs = append(errs, err)
	} else {
		jobs, err := mapJobs(cfg)
		if err != nil {
			return nil, err
		}
		if err := checkJobStages(reg, compiled, jobs); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := buildSinks(cfg, logx.Nop()); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapControlConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NextRuns previews the next n fire times of jobID after from.
func NextRuns(path, jobID string, n int, from time.Time) ([]time.Time, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, err
	}
	def, err := clock.LoadLocation(strings.TrimSpace(cfg.Scheduler.Timezone), time.UTC)
	if err != nil {
		return nil, err
	}
	for _, j := range cfg.Jobs {
		if strings.TrimSpace(j.ID) != jobID {
			continue
		}
		sched, err := clock.Parse(j.Cron, j.Timezone, def)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", jobID, err)
		}
		return sched.Preview(from, n), nil
	}
	return nil, fmt.Errorf("unknown job: %s", jobID)
}
