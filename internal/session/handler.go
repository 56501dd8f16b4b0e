package session

import (
	"context"

	"packwise/internal/jobs"
	"packwise/internal/verifier"
)

// Factory builds the session that runs a job.
type Factory func(job *jobs.Job) (*Session, error)

// JobHandler adapts sessions to a jobs.Runner. Every finished attempt is
// recorded as it happens, so a cancelled job keeps its partial logs.
func JobHandler(factory Factory) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, record func(*jobs.AttemptRecord)) (interface{}, error) {
		s, err := factory(job)
		if err != nil {
			return nil, err
		}
		s.OnAttempt = func(a verifier.Attempt) {
			record(AttemptRecord(a))
		}
		res, err := s.Run(ctx)
		if res == nil {
			return nil, err
		}
		return res, err
	}
}

// AttemptRecord converts a finished attempt to its stored form.
func AttemptRecord(a verifier.Attempt) *jobs.AttemptRecord {
	rec := &jobs.AttemptRecord{
		Number:        a.Number,
		State:         string(a.State),
		ExitCode:      a.ExitCode,
		MissingModule: a.MissingModule,
		ArtifactPath:  a.ArtifactPath,
		Log:           a.Log(),
		Duration:      a.Duration,
	}
	if a.Error != nil {
		rec.ErrorCode = string(a.Error.Code)
	}
	if a.Spec != nil {
		if data, err := a.Spec.JSON(); err == nil {
			rec.Spec = string(data)
		}
	}
	return rec
}
