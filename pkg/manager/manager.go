package manager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"nanopod/pkg/config"
	"nanopod/pkg/image"
	"nanopod/pkg/isolation"
	"nanopod/pkg/metrics"
	"nanopod/pkg/registry"
	"nanopod/pkg/rootfs"
)

// Manager pulls images and runs commands inside them.
type Manager struct {
	config  *config.Config
	builder image.RootfsBuilder
	sys     isolation.Syscalls
	stdout  io.Writer
	stderr  io.Writer
	logger  *logrus.Entry
}

// RunRequest describes one launch.
type RunRequest struct {
	// RootDir is the base directory the scratch root is created in. Empty
	// means the configured scratch directory.
	RootDir string
	Image   string
	Command string
	Args    []string
}

type Option func(m *Manager)

// WithBuilder replaces the registry-backed root filesystem builder.
func WithBuilder(builder image.RootfsBuilder) Option {
	return func(m *Manager) {
		m.builder = builder
	}
}

// WithSyscalls replaces the host system calls used for isolation.
func WithSyscalls(sys isolation.Syscalls) Option {
	return func(m *Manager) {
		m.sys = sys
	}
}

// WithOutput sets where the child's captured output is written.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(m *Manager) {
		m.stdout = stdout
		m.stderr = stderr
	}
}

func WithLogger(logger *logrus.Entry) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func NewManager(cfg *config.Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.NewConfig()
	}

	m := &Manager{
		config: cfg,
		sys:    isolation.HostSyscalls{},
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: logrus.WithField("component", "manager"),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.builder == nil {
		m.builder = newRegistryBuilder(cfg, m.logger)
	}
	return m
}

func newRegistryBuilder(cfg *config.Config, logger *logrus.Entry) *rootfs.Builder {
	client := registry.NewClient(
		registry.WithRegistryURL(cfg.RegistryURL),
		registry.WithAuthURL(cfg.AuthURL),
		registry.WithService(cfg.AuthService),
		registry.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		registry.WithRateLimit(cfg.RateLimit),
		registry.WithLogger(logger.WithField("component", "registry")),
	)

	return rootfs.NewBuilder(client,
		rootfs.WithNamespace(cfg.Namespace),
		rootfs.WithConcurrency(cfg.Concurrency),
		rootfs.WithBlobDir(cfg.ScratchDir),
		rootfs.WithLogger(logger.WithField("component", "rootfs")),
	)
}

// Run materializes req.Image into a fresh scratch root, isolates the process
// in it and runs the command. The returned code is the launcher's exit code;
// it is 1 whenever an error is returned.
//
// Run swaps the root of the whole process and must be called at most once.
func (m *Manager) Run(ctx context.Context, req RunRequest) (int, error) {
	timer := metrics.NewTimer(m.logger, "run "+req.Image)
	defer timer.Stop()

	ref, err := image.ParseReference(req.Image)
	if err != nil {
		return 1, err
	}

	if err := m.config.EnsureScratchDir(); err != nil {
		return 1, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	baseDir := req.RootDir
	if baseDir == "" {
		baseDir = m.config.ScratchDir
	}

	iso, err := isolation.New(baseDir, m.sys, isolation.WithLogger(m.logger))
	if err != nil {
		return 1, err
	}
	log := m.logger.WithFields(logrus.Fields{
		"image":   ref.String(),
		"scratch": iso.Dir(),
	})
	log.Info("Starting container")

	// 1. Build the root filesystem on the host.
	if err := m.builder.Materialize(ctx, ref, iso.Dir()); err != nil {
		m.cleanup(iso, log)
		return 1, fmt.Errorf("failed to materialize %s: %w", ref, err)
	}
	if err := iso.MarkMaterialized(); err != nil {
		return 1, err
	}

	// 2. Swap into it. Past this point the host filesystem is gone.
	if err := iso.SwapRoot(); err != nil {
		m.cleanup(iso, log)
		return 1, err
	}
	if err := iso.ResetWorkdir(); err != nil {
		return 1, err
	}
	if err := iso.DetachPIDNamespace(); err != nil {
		return 1, err
	}

	// 3. Run the child and relay what it wrote.
	result, err := iso.Spawn(ctx, req.Command, req.Args)
	if err != nil {
		return 1, err
	}

	if _, err := m.stdout.Write(result.Stdout); err != nil {
		log.WithError(err).Warn("Failed to write child stdout")
	}
	if _, err := m.stderr.Write(result.Stderr); err != nil {
		log.WithError(err).Warn("Failed to write child stderr")
	}

	if m.config.KeepScratch {
		log.Info("Keeping scratch directory")
	} else {
		m.cleanup(iso, log)
	}

	if result.Signaled {
		log.WithField("signal", result.Signal.String()).Warn("Child terminated by signal")
	} else {
		log.WithField("exitCode", result.ExitCode).Debug("Child exited")
	}
	return result.Code(), nil
}

// Pull materializes image into dir without any isolation.
func (m *Manager) Pull(ctx context.Context, imageName, dir string) error {
	ref, err := image.ParseReference(imageName)
	if err != nil {
		return err
	}

	if err := m.config.EnsureScratchDir(); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	if err := m.builder.Materialize(ctx, ref, dir); err != nil {
		return fmt.Errorf("failed to materialize %s: %w", ref, err)
	}
	return nil
}

func (m *Manager) cleanup(iso *isolation.Context, log *logrus.Entry) {
	if err := iso.Cleanup(); err != nil {
		log.WithError(err).Warn("Failed to remove scratch directory")
	}
}
