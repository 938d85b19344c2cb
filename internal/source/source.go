// Package source adapts external platforms to one pull-based interface.
// Adapters only fetch and page; normalization and admission happen
// downstream.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gauravfs-14/socflow/internal/post"
)

// Raw is one fetched record before normalization. Canonical marks
// payloads that are already in the canonical schema (replay files) and
// skip platform-specific mapping.
type Raw struct {
	Platform  post.Platform
	Payload   json.RawMessage
	Canonical bool
}

// Batch is the result of one Pull. Next is the serializable cursor that
// resumes after this batch; Exhausted means the source has nothing more
// right now.
type Batch struct {
	Records   []Raw
	Next      json.RawMessage
	Exhausted bool
}

type Source interface {
	// Name identifies the source in logs, metrics and the run ledger.
	Name() string

	Platform() post.Platform

	// Pull fetches the next batch after cursor. A nil cursor starts
	// from the beginning. Errors are wrapped as transient or fatal to
	// steer the caller's retry policy.
	Pull(ctx context.Context, cursor json.RawMessage) (Batch, error)
}

// TransientError marks a failure worth retrying with backoff, such as a
// rate limit response or a server error.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// FatalError marks a failure retries cannot fix, such as a revoked
// credential or a missing resource.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
