package prerender

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheMiss indicates the store holds no entry for the key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCorruptEntry indicates a stored entry exists but cannot be decoded.
	ErrCorruptEntry = errors.New("invalid cache entry")

	// ErrRenderFailed matches every *RenderFailure via errors.Is.
	ErrRenderFailed = errors.New("render failed")
)

// FailureStage names the step of a render that failed.
type FailureStage string

// Render failure stages.
const (
	StageLaunch    FailureStage = "launch"
	StageNavigate  FailureStage = "navigate"
	StageWait      FailureStage = "wait"
	StageSerialize FailureStage = "serialize"
	StageDeadline  FailureStage = "deadline"
	StageCanceled  FailureStage = "canceled"
)

// RenderFailure is the typed failure variant of a render result. It is never
// cacheable, whatever its size.
type RenderFailure struct {
	Stage FailureStage
	URL   string
	Err   error
}

func (f *RenderFailure) Error() string {
	return fmt.Sprintf("render %s: %s: %v", f.URL, f.Stage, f.Err)
}

func (f *RenderFailure) Unwrap() error {
	return f.Err
}

// Is reports ErrRenderFailed as a match so callers need not know the concrete type.
func (f *RenderFailure) Is(target error) bool {
	return target == ErrRenderFailed
}

// FailureStageOf extracts the stage from a render error, or "unknown".
func FailureStageOf(err error) FailureStage {
	var failure *RenderFailure
	if errors.As(err, &failure) {
		return failure.Stage
	}
	return "unknown"
}
