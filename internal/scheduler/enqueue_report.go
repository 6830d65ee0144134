package scheduler

import (
	"time"

	"cadence/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs a rejected request at most once per job per
// throttle window. The executor already publishes run.dropped.
func (s *Service) reportEnqueueError(jobID string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[jobID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[jobID] = now
	s.enqMu.Unlock()

	s.log.Warn("run request not accepted", logx.String("job", jobID), logx.Err(err))
}
