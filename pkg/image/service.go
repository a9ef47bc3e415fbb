package image

import (
	"context"
)

// RootfsBuilder materializes an image into a root filesystem directory.
type RootfsBuilder interface {
	// Materialize resolves ref against the registry and unpacks every layer,
	// in manifest order, into rootDir. rootDir must already exist.
	Materialize(ctx context.Context, ref Reference, rootDir string) error
}
