package rootfs

import (
	"errors"
	"fmt"
)

// Stage names one step of root filesystem materialization.
type Stage string

const (
	StagePlatform         Stage = "platform"
	StageAuth             Stage = "auth"
	StageManifest         Stage = "manifest"
	StageDigestResolution Stage = "digest-resolution"
	StageBlob             Stage = "blob"
	StageExtraction       Stage = "extraction"
	StageDevice           Stage = "device"
)

// ErrDigestMismatch is returned when downloaded blob content does not hash to
// the digest it was requested by.
var ErrDigestMismatch = errors.New("blob digest mismatch")

// StageError tags a materialization failure with the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage tagged on err, or "" if there is none.
func StageOf(err error) Stage {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}
