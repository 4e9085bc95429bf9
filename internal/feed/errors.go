package feed

import (
	"errors"
	"fmt"

	"calfeed/internal/catalog"
	"calfeed/internal/model"
	"calfeed/internal/pipeline"
)

// Regeneration stages reported in UpstreamError.
const (
	StageExtract  = "extract"
	StageFormat   = "format"
	StageValidate = "validate"
)

// UpstreamError is a regeneration failure: an external tool could not be
// started, exited non-zero, timed out, or produced a malformed document.
// Only these failures are eligible for stale fallback.
type UpstreamError struct {
	Target string
	Stage  string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Stage, e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Kind is the coarse failure class used by the transport.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindNotFound
	KindConfig
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindNotFound:
		return "not_found"
	case KindConfig:
		return "config"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Classify maps an error returned by Service.Serve to its Kind.
func Classify(err error) Kind {
	var ce *catalog.ConfigError
	var ue *UpstreamError
	switch {
	case errors.Is(err, model.ErrBadRequest):
		return KindBadRequest
	case errors.Is(err, catalog.ErrNotFound):
		return KindNotFound
	case errors.As(err, &ce):
		return KindConfig
	case errors.As(err, &ue), pipeline.IsUpstream(err):
		return KindUpstream
	default:
		return KindInternal
	}
}
