// Package layer unpacks image layer archives into a directory.
//
// Layers arrive as tar streams, normally gzip-compressed. Entries are written
// relative to the destination directory and overwrite whatever an earlier
// layer left at the same path, so applying layers in manifest order yields
// the image's root filesystem. Extraction is not transactional: a failure
// leaves the directory partially populated.
package layer

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

const whiteoutPrefix = ".wh."

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Extractor unpacks layer archives.
type Extractor struct {
	logger *logrus.Entry
	chown  bool
}

// NewExtractor returns an extractor logging to logger. Ownership from the
// archive is applied only when running as root.
func NewExtractor(logger *logrus.Entry) *Extractor {
	if logger == nil {
		logger = logrus.WithField("component", "layer")
	}
	return &Extractor{
		logger: logger,
		chown:  os.Geteuid() == 0,
	}
}

// Unpack extracts r into dest with a default extractor.
func Unpack(r io.Reader, dest string) error {
	return NewExtractor(nil).Unpack(r, dest)
}

// Unpack decompresses r and writes every archive entry below dest.
func (x *Extractor) Unpack(r io.Reader, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return &ExtractionError{Err: fmt.Errorf("failed to create destination directory: %w", err)}
	}

	stream, closeStream, err := decompress(r)
	if err != nil {
		return &ExtractionError{Err: err}
	}
	defer closeStream()

	count := 0
	tr := tar.NewReader(stream)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &ExtractionError{Err: fmt.Errorf("failed to read tar header: %w", err)}
		}

		if err := x.extractEntry(dest, header, tr); err != nil {
			return &ExtractionError{Entry: header.Name, Err: err}
		}
		count++
	}

	x.logger.WithFields(logrus.Fields{
		"dest":    dest,
		"entries": count,
	}).Debug("Extracted layer")

	return nil
}

// decompress sniffs the stream and wraps it in the matching decoder.
func decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	magic, _ := br.Peek(len(zstdMagic))

	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return br, func() {}, nil
	}
}

func (x *Extractor) extractEntry(dest string, header *tar.Header, tr *tar.Reader) error {
	if strings.HasPrefix(filepath.Base(header.Name), whiteoutPrefix) {
		x.logger.WithField("entry", header.Name).Debug("Skipping whiteout entry")
		return nil
	}

	target, err := resolve(dest, header.Name)
	if err != nil {
		return err
	}
	mode := header.FileInfo().Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)

	switch header.Typeflag {
	case tar.TypeDir:
		if err := replaceNonDir(target); err != nil {
			return err
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", target, err)
		}
		return x.applyMetadata(target, header, mode)

	case tar.TypeReg:
		if target == filepath.Clean(dest) {
			return fmt.Errorf("regular file entry names the destination root")
		}
		if err := prepareTarget(target); err != nil {
			return err
		}

		f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to create file %s: %w", target, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("failed to write file %s: %w", target, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close file %s: %w", target, err)
		}
		return x.applyMetadata(target, header, mode)

	case tar.TypeSymlink:
		if err := prepareTarget(target); err != nil {
			return err
		}
		if err := os.Symlink(header.Linkname, target); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", target, err)
		}
		if x.chown {
			if err := os.Lchown(target, header.Uid, header.Gid); err != nil {
				return fmt.Errorf("failed to chown symlink %s: %w", target, err)
			}
		}
		return nil

	case tar.TypeLink:
		source, err := resolve(dest, header.Linkname)
		if err != nil {
			return fmt.Errorf("hard link target: %w", err)
		}
		if err := prepareTarget(target); err != nil {
			return err
		}
		if err := os.Link(source, target); err != nil {
			return fmt.Errorf("failed to create hard link %s: %w", target, err)
		}
		return nil

	default:
		x.logger.WithFields(logrus.Fields{
			"entry": header.Name,
			"type":  string(header.Typeflag),
		}).Debug("Skipping unsupported entry type")
		return nil
	}
}

// resolve maps an archive entry name to a path below dest. Names that leave
// dest lexically are rejected; symlinks in parent directories are resolved
// as if dest were the filesystem root.
func resolve(dest, name string) (string, error) {
	rel := filepath.Clean(strings.TrimLeft(name, "/"))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	if rel == "." {
		return filepath.Clean(dest), nil
	}

	parent, base := filepath.Split(rel)
	resolvedParent, err := securejoin.SecureJoin(dest, parent)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", name, err)
	}

	return filepath.Join(resolvedParent, base), nil
}

// prepareTarget creates the parent directory and removes any existing entry
// at target so the new one replaces it.
func prepareTarget(target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", target, err)
	}

	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", target, err)
	}
	if info.IsDir() {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil {
		return fmt.Errorf("failed to replace %s: %w", target, err)
	}
	return nil
}

func replaceNonDir(target string) error {
	info, err := os.Lstat(target)
	if err != nil || info.IsDir() {
		return nil
	}
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("failed to replace %s with directory: %w", target, err)
	}
	return nil
}

func (x *Extractor) applyMetadata(target string, header *tar.Header, mode os.FileMode) error {
	if x.chown {
		if err := os.Lchown(target, header.Uid, header.Gid); err != nil {
			return fmt.Errorf("failed to chown %s: %w", target, err)
		}
	}
	if err := os.Chmod(target, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", target, err)
	}
	return nil
}
