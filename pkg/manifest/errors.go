package manifest

import "errors"

var (
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
	ErrDigestNotFound          = errors.New("no manifest digest for platform")
	ErrManifestShape           = errors.New("malformed manifest")
)
