package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/stemdeck/internal/joblog"
	"github.com/mattjoyce/stemdeck/internal/protocol"
	"github.com/mattjoyce/stemdeck/internal/runner"
)

// toBoundary normalizes an outcome into the boundary result. cancelledMsg is
// the error text used for cancelled jobs; empty selects the runner's text.
func toBoundary(o runner.Outcome, cancelledMsg string) protocol.BoundaryResult {
	var res protocol.BoundaryResult
	switch o.Kind {
	case runner.KindSuccess:
		decoded, err := protocol.DecodeResult(o.Payload)
		if err != nil {
			res = protocol.Failure(fmt.Sprintf("invalid engine result: %v", err))
			break
		}
		res = decoded
		if !res.Success && res.Error == "" {
			res.Error = "Unknown error"
		}
		res.Cancelled = false
	case runner.KindCancelled:
		if cancelledMsg == "" {
			cancelledMsg = o.Message
		}
		res = protocol.BoundaryResult{Success: false, Cancelled: true, Error: cancelledMsg}
	default:
		res = protocol.Failure(o.Message)
	}
	res.JobID = o.JobID
	return res
}

// complete publishes the terminal result and records it.
func (s *Service) complete(ctx context.Context, o runner.Outcome, args []string, res protocol.BoundaryResult) {
	s.fwd.Completed(o.JobID, o.Command, res)
	if s.rec == nil {
		return
	}

	entry := joblog.Entry{
		ID:          o.JobID,
		Command:     o.Command,
		Args:        args,
		Status:      statusOf(o, res),
		StartedAt:   o.StartedAt,
		CompletedAt: o.CompletedAt,
	}
	if o.ExitCode >= 0 {
		code := o.ExitCode
		entry.ExitCode = &code
	}
	if res.Error != "" {
		msg := res.Error
		entry.Error = &msg
	}
	if o.Stderr != "" {
		stderr := o.Stderr
		entry.Stderr = &stderr
	}
	if b, err := json.Marshal(res); err == nil {
		entry.Result = b
	}

	if _, err := s.rec.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("failed to record job", "job_id", o.JobID, "error", err)
	}
}

func statusOf(o runner.Outcome, res protocol.BoundaryResult) joblog.Status {
	switch {
	case o.Kind == runner.KindCancelled:
		return joblog.StatusCancelled
	case res.Success:
		return joblog.StatusSucceeded
	default:
		return joblog.StatusFailed
	}
}
