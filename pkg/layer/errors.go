package layer

import (
	"errors"
	"fmt"
)

// ErrPathTraversal is returned for archive entries that resolve outside the
// destination directory.
var ErrPathTraversal = errors.New("path escapes destination")

// ExtractionError reports a failure to decode or write a layer archive.
type ExtractionError struct {
	Entry string // Archive entry being processed, empty for stream-level failures.
	Err   error
}

func (e *ExtractionError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("failed to extract layer: %v", e.Err)
	}
	return fmt.Sprintf("failed to extract layer entry %s: %v", e.Entry, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}
