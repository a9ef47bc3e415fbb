package layer

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name     string
	typeflag byte
	body     string
	linkname string
	mode     int64
}

func file(name, body string) entry {
	return entry{name: name, typeflag: tar.TypeReg, body: body, mode: 0644}
}

func dir(name string) entry {
	return entry{name: name, typeflag: tar.TypeDir, mode: 0755}
}

func symlink(name, target string) entry {
	return entry{name: name, typeflag: tar.TypeSymlink, linkname: target, mode: 0777}
}

func buildTar(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
			Mode:     e.mode,
			Size:     int64(len(e.body)),
		}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func buildTarGz(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(buildTar(t, entries...))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestUnpack_RoundTrip(t *testing.T) {
	dest := t.TempDir()
	content := "nanopod-test-host\n"

	archive := buildTarGz(t,
		dir("etc/"),
		entry{name: "etc/hostname", typeflag: tar.TypeReg, body: content, mode: 0640},
		file("usr/local/bin/tool", "#!/bin/sh\n"),
	)

	require.NoError(t, Unpack(bytes.NewReader(archive), dest))

	assert.Equal(t, content, readFile(t, filepath.Join(dest, "etc", "hostname")))
	assert.Equal(t, "#!/bin/sh\n", readFile(t, filepath.Join(dest, "usr", "local", "bin", "tool")))

	info, err := os.Stat(filepath.Join(dest, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
}

func TestUnpack_LaterLayerOverwrites(t *testing.T) {
	dest := t.TempDir()

	first := buildTarGz(t, file("a", "first"), file("only-first", "1"))
	second := buildTarGz(t, file("a", "second"))

	require.NoError(t, Unpack(bytes.NewReader(first), dest))
	require.NoError(t, Unpack(bytes.NewReader(second), dest))

	assert.Equal(t, "second", readFile(t, filepath.Join(dest, "a")))
	assert.Equal(t, "1", readFile(t, filepath.Join(dest, "only-first")))
}

func TestUnpack_ReplacesEntryKinds(t *testing.T) {
	dest := t.TempDir()

	require.NoError(t, Unpack(bytes.NewReader(buildTarGz(t, file("x", "file"), dir("y/"), file("y/inner", "i"))), dest))
	require.NoError(t, Unpack(bytes.NewReader(buildTarGz(t, dir("x/"), file("y", "now a file"))), dest))

	info, err := os.Stat(filepath.Join(dest, "x"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "now a file", readFile(t, filepath.Join(dest, "y")))
}

func TestUnpack_RejectsTraversal(t *testing.T) {
	parent := t.TempDir()
	dest := filepath.Join(parent, "root")

	archive := buildTarGz(t, file("../escaped", "bad"))

	err := Unpack(bytes.NewReader(archive), dest)

	var extractErr *ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.ErrorIs(t, err, ErrPathTraversal)
	assert.Equal(t, "../escaped", extractErr.Entry)
	assert.NoFileExists(t, filepath.Join(parent, "escaped"))
}

func TestUnpack_SymlinkCannotRedirectWrites(t *testing.T) {
	parent := t.TempDir()
	dest := filepath.Join(parent, "root")
	outside := filepath.Join(parent, "outside")
	require.NoError(t, os.MkdirAll(outside, 0755))

	first := buildTarGz(t, symlink("escape", "../outside"))
	second := buildTarGz(t, file("escape/pwned", "bad"))

	require.NoError(t, Unpack(bytes.NewReader(first), dest))
	require.NoError(t, Unpack(bytes.NewReader(second), dest))

	assert.NoFileExists(t, filepath.Join(outside, "pwned"))
	assert.FileExists(t, filepath.Join(dest, "outside", "pwned"))
}

func TestUnpack_AbsoluteNamesStayInside(t *testing.T) {
	dest := t.TempDir()

	require.NoError(t, Unpack(bytes.NewReader(buildTarGz(t, file("/etc/motd", "hi"))), dest))
	assert.Equal(t, "hi", readFile(t, filepath.Join(dest, "etc", "motd")))
}

func TestUnpack_Links(t *testing.T) {
	dest := t.TempDir()

	archive := buildTarGz(t,
		file("bin/busybox", "busybox-binary"),
		symlink("bin/sh", "/bin/busybox"),
		entry{name: "bin/ls", typeflag: tar.TypeLink, linkname: "bin/busybox"},
	)

	require.NoError(t, Unpack(bytes.NewReader(archive), dest))

	target, err := os.Readlink(filepath.Join(dest, "bin", "sh"))
	require.NoError(t, err)
	assert.Equal(t, "/bin/busybox", target)

	assert.Equal(t, "busybox-binary", readFile(t, filepath.Join(dest, "bin", "ls")))
}

func TestUnpack_SkipsWhiteoutsAndDevices(t *testing.T) {
	dest := t.TempDir()

	archive := buildTarGz(t,
		file("etc/.wh.removed", ""),
		entry{name: "dev/null", typeflag: tar.TypeChar, mode: 0666},
		file("etc/kept", "k"),
	)

	require.NoError(t, Unpack(bytes.NewReader(archive), dest))

	assert.NoFileExists(t, filepath.Join(dest, "etc", ".wh.removed"))
	assert.NoFileExists(t, filepath.Join(dest, "dev", "null"))
	assert.FileExists(t, filepath.Join(dest, "etc", "kept"))
}

func TestUnpack_Zstd(t *testing.T) {
	dest := t.TempDir()

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write(buildTar(t, file("zstd.txt", "compressed with zstd")))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	require.NoError(t, Unpack(&buf, dest))
	assert.Equal(t, "compressed with zstd", readFile(t, filepath.Join(dest, "zstd.txt")))
}

func TestUnpack_PlainTar(t *testing.T) {
	dest := t.TempDir()

	require.NoError(t, Unpack(bytes.NewReader(buildTar(t, file("plain.txt", "plain"))), dest))
	assert.Equal(t, "plain", readFile(t, filepath.Join(dest, "plain.txt")))
}

func TestUnpack_MalformedArchive(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated gzip", data: buildTarGz(t, file("a", "some content"))[:20]},
		{name: "gzip of garbage", data: func() []byte {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			gw.Write(bytes.Repeat([]byte("not a tar header "), 64))
			gw.Close()
			return buf.Bytes()
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Unpack(bytes.NewReader(tt.data), t.TempDir())

			var extractErr *ExtractionError
			assert.ErrorAs(t, err, &extractErr)
		})
	}
}
