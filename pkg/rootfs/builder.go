// Package rootfs materializes container images into root filesystem
// directories.
//
// A [Builder] drives the whole pull: it exchanges a token, resolves the
// manifest for the host platform, downloads every layer blob, unpacks the
// layers into the target directory in manifest order and finally creates the
// device nodes a minimal container expects. Each failure is reported as a
// [StageError] naming the step that failed; nothing is rolled back.
package rootfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"nanopod/pkg/image"
	"nanopod/pkg/layer"
	"nanopod/pkg/manifest"
	"nanopod/pkg/metrics"
	"nanopod/pkg/registry"
)

// BlobStore is the registry surface the builder needs.
type BlobStore interface {
	FetchToken(ctx context.Context, repository string) (registry.Token, error)
	FetchManifest(ctx context.Context, repository, reference string, token registry.Token) ([]byte, error)
	FetchBlob(ctx context.Context, repository string, digest v1.Hash, token registry.Token) (io.ReadCloser, error)
}

// Builder implements image.RootfsBuilder on top of a BlobStore.
type Builder struct {
	store       BlobStore
	goarch      string
	platform    *manifest.PlatformKey
	namespace   string
	concurrency int
	blobDir     string

	extractor *layer.Extractor
	logger    *logrus.Entry
	mknod     mknodFunc
}

var _ image.RootfsBuilder = (*Builder)(nil)

type Option func(b *Builder)

// WithArchitecture resolves the platform from goarch instead of the running
// binary's GOARCH.
func WithArchitecture(goarch string) Option {
	return func(b *Builder) {
		b.goarch = goarch
	}
}

// WithPlatform overrides the host platform key.
func WithPlatform(key manifest.PlatformKey) Option {
	return func(b *Builder) {
		b.platform = &key
	}
}

// WithNamespace sets the repository namespace for single-segment image names.
func WithNamespace(namespace string) Option {
	return func(b *Builder) {
		b.namespace = namespace
	}
}

// WithConcurrency sets how many blobs may download at once.
func WithConcurrency(concurrency int) Option {
	return func(b *Builder) {
		if concurrency < 1 {
			concurrency = 1
		}
		b.concurrency = concurrency
	}
}

// WithBlobDir sets where compressed blobs are staged before extraction.
func WithBlobDir(dir string) Option {
	return func(b *Builder) {
		b.blobDir = dir
	}
}

func WithLogger(logger *logrus.Entry) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

func NewBuilder(store BlobStore, opts ...Option) *Builder {
	b := &Builder{
		store:       store,
		goarch:      runtime.GOARCH,
		namespace:   "library",
		concurrency: 1,
		logger:      logrus.WithField("component", "rootfs"),
		mknod:       unix.Mknod,
	}

	for _, opt := range opts {
		opt(b)
	}

	b.extractor = layer.NewExtractor(b.logger)
	return b
}

// Materialize pulls ref and unpacks it into rootDir.
func (b *Builder) Materialize(ctx context.Context, ref image.Reference, rootDir string) error {
	log := b.logger.WithFields(logrus.Fields{
		"image": ref.String(),
		"root":  rootDir,
	})
	timer := metrics.NewTimer(log, "materialize "+ref.String())
	defer timer.Stop()

	key, err := b.platformKey()
	if err != nil {
		return &StageError{Stage: StagePlatform, Err: err}
	}

	repository := ref.Repository(b.namespace)

	token, err := b.store.FetchToken(ctx, repository)
	if err != nil {
		return &StageError{Stage: StageAuth, Err: err}
	}

	raw, err := b.store.FetchManifest(ctx, repository, ref.Tag, token)
	if err != nil {
		return &StageError{Stage: StageManifest, Err: err}
	}

	isList, err := manifest.IsList(raw)
	if err != nil {
		return &StageError{Stage: StageManifest, Err: err}
	}
	if isList {
		manifestDigest, err := manifest.SelectPlatformDigest(raw, key)
		if err != nil {
			return &StageError{Stage: StageDigestResolution, Err: err}
		}
		log.WithFields(logrus.Fields{
			"platform": key.String(),
			"digest":   manifestDigest.String(),
		}).Info("Resolved platform manifest")

		raw, err = b.store.FetchManifest(ctx, repository, manifestDigest.String(), token)
		if err != nil {
			return &StageError{Stage: StageManifest, Err: err}
		}
	}

	layers, err := manifest.ExtractLayers(raw)
	if err != nil {
		return &StageError{Stage: StageManifest, Err: err}
	}
	log.WithField("layers", len(layers)).Info("Pulling image layers")

	stagingDir, err := os.MkdirTemp(b.blobDir, "nanopod-blobs-")
	if err != nil {
		return &StageError{Stage: StageBlob, Err: fmt.Errorf("failed to create blob staging directory: %w", err)}
	}
	defer os.RemoveAll(stagingDir)

	paths, err := b.downloadLayers(ctx, repository, token, layers, stagingDir)
	if err != nil {
		return &StageError{Stage: StageBlob, Err: err}
	}

	for i, path := range paths {
		if err := b.unpackLayer(path, rootDir); err != nil {
			return &StageError{Stage: StageExtraction, Err: fmt.Errorf("layer %d (%s): %w", i, layers[i], err)}
		}
		log.WithField("digest", layers[i].String()).Debug("Applied layer")
	}

	if err := ensureNullDevice(rootDir, b.mknod, log); err != nil {
		return &StageError{Stage: StageDevice, Err: err}
	}

	log.Info("Root filesystem ready")
	return nil
}

func (b *Builder) platformKey() (manifest.PlatformKey, error) {
	if b.platform != nil {
		return *b.platform, nil
	}
	return manifest.PlatformFor(b.goarch)
}

// downloadLayers fetches every blob into dir and returns the file paths in
// layer order.
func (b *Builder) downloadLayers(ctx context.Context, repository string, token registry.Token, layers []v1.Hash, dir string) ([]string, error) {
	paths := make([]string, len(layers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for i, d := range layers {
		paths[i] = filepath.Join(dir, blobFileName(i, d))
		path := paths[i]
		g.Go(func() error {
			return b.downloadBlob(gctx, repository, token, d, path)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (b *Builder) downloadBlob(ctx context.Context, repository string, token registry.Token, d v1.Hash, path string) error {
	expected := digest.Digest(d.String())
	if err := expected.Validate(); err != nil {
		return fmt.Errorf("invalid layer digest %s: %w", d, err)
	}

	rc, err := b.store.FetchBlob(ctx, repository, d, token)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create blob file: %w", err)
	}

	verifier := expected.Verifier()
	n, err := io.Copy(io.MultiWriter(f, verifier), rc)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to download blob %s: %w", d, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close blob file: %w", err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, d)
	}

	b.logger.WithFields(logrus.Fields{
		"digest": d.String(),
		"bytes":  n,
	}).Debug("Downloaded blob")
	return nil
}

// unpackLayer extracts the staged blob at path into rootDir and removes it.
func (b *Builder) unpackLayer(path, rootDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open blob file: %w", err)
	}
	defer os.Remove(path)
	defer f.Close()

	return b.extractor.Unpack(f, rootDir)
}

// blobFileName turns a digest into a file name. The index keeps repeated
// digests apart.
func blobFileName(index int, d v1.Hash) string {
	return fmt.Sprintf("%03d-%s-%s.blob", index, d.Algorithm, d.Hex)
}
