package executor

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Limits bound archive extraction. Student uploads are untrusted, so
// both decompression bombs and path traversal must be stopped here.
type Limits struct {
	MaxFiles      int
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// DefaultLimits is generous enough for any sane programming exercise.
var DefaultLimits = Limits{
	MaxFiles:      10000,
	MaxFileBytes:  256 << 20,
	MaxTotalBytes: 1 << 30,
}

// UnpackReport describes what extraction produced.
type UnpackReport struct {
	// Entries is the number of files written into dst.
	Entries int
	// WrapperDir is set when the archive contained exactly one top
	// level directory and nothing else, the usual "zipped a folder"
	// upload shape.
	WrapperDir string
}

// Unpack extracts the archive at src into dst. ZIP, tar, tar.gz and
// tar.bz2 are recognized by their magic bytes; anything else is treated
// as a plain single file and copied as-is.
func Unpack(dst, src string, limits Limits) (UnpackReport, error) {
	kind, err := sniffArchive(src)
	if err != nil {
		return UnpackReport{}, err
	}

	var rep UnpackReport
	switch kind {
	case archiveZip:
		rep, err = unpackZip(dst, src, limits)
	case archiveTar, archiveTarGz, archiveTarBz2:
		rep, err = unpackTar(dst, src, kind, limits)
	default:
		err = copyPlainFile(dst, src)
		rep = UnpackReport{Entries: 1}
	}
	if err != nil {
		return UnpackReport{}, err
	}

	rep.WrapperDir = detectWrapper(dst, src)
	return rep, nil
}

type archiveKind int

const (
	archivePlain archiveKind = iota
	archiveZip
	archiveTar
	archiveTarGz
	archiveTarBz2
)

func sniffArchive(path string) (archiveKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return archivePlain, err
	}
	defer f.Close()

	head := make([]byte, 265)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return archivePlain, err
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return archiveZip, nil
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return archiveTarGz, nil
	case bytes.HasPrefix(head, []byte("BZh")):
		return archiveTarBz2, nil
	case len(head) >= 262 && bytes.Equal(head[257:262], []byte("ustar")):
		return archiveTar, nil
	}
	return archivePlain, nil
}

func unpackZip(dst, src string, limits Limits) (UnpackReport, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return UnpackReport{}, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	if limits.MaxFiles > 0 && len(r.File) > limits.MaxFiles {
		return UnpackReport{}, fmt.Errorf("archive holds %d files, limit is %d", len(r.File), limits.MaxFiles)
	}

	var rep UnpackReport
	var total int64
	for _, zf := range r.File {
		target, err := safeJoin(dst, zf.Name)
		if err != nil {
			return UnpackReport{}, err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return UnpackReport{}, err
			}
			continue
		}
		if limits.MaxFileBytes > 0 && zf.UncompressedSize64 > uint64(limits.MaxFileBytes) {
			return UnpackReport{}, fmt.Errorf("file %s exceeds the size limit", zf.Name)
		}

		rc, err := zf.Open()
		if err != nil {
			return UnpackReport{}, err
		}
		written, err := writeExtracted(target, rc, zf.Mode(), limits.MaxFileBytes)
		rc.Close()
		if err != nil {
			return UnpackReport{}, fmt.Errorf("extract %s: %w", zf.Name, err)
		}
		total += written
		if limits.MaxTotalBytes > 0 && total > limits.MaxTotalBytes {
			return UnpackReport{}, fmt.Errorf("archive exceeds the total size limit")
		}
		rep.Entries++
	}
	return rep, nil
}

func unpackTar(dst, src string, kind archiveKind, limits Limits) (UnpackReport, error) {
	f, err := os.Open(src)
	if err != nil {
		return UnpackReport{}, err
	}
	defer f.Close()

	var stream io.Reader = f
	switch kind {
	case archiveTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return UnpackReport{}, fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		stream = gz
	case archiveTarBz2:
		stream = bzip2.NewReader(f)
	}

	tr := tar.NewReader(stream)
	var rep UnpackReport
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return UnpackReport{}, fmt.Errorf("read tar: %w", err)
		}
		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return UnpackReport{}, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return UnpackReport{}, err
			}
		case tar.TypeReg:
			if limits.MaxFiles > 0 && rep.Entries >= limits.MaxFiles {
				return UnpackReport{}, fmt.Errorf("archive exceeds the file count limit of %d", limits.MaxFiles)
			}
			written, err := writeExtracted(target, tr, os.FileMode(hdr.Mode), limits.MaxFileBytes)
			if err != nil {
				return UnpackReport{}, fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			total += written
			if limits.MaxTotalBytes > 0 && total > limits.MaxTotalBytes {
				return UnpackReport{}, fmt.Errorf("archive exceeds the total size limit")
			}
			rep.Entries++
		default:
			// Links and device nodes have no business in a submission.
		}
	}
	return rep, nil
}

// safeJoin resolves an archive member name below dst and rejects
// traversal attempts.
func safeJoin(dst, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || cleaned == ".." ||
		strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive member %q escapes the target directory", name)
	}
	target := filepath.Join(dst, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive member %q escapes the target directory", name)
	}
	return target, nil
}

func writeExtracted(target string, r io.Reader, mode os.FileMode, maxBytes int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	if maxBytes <= 0 {
		return io.Copy(out, r)
	}
	written, err := io.Copy(out, io.LimitReader(r, maxBytes+1))
	if err != nil {
		return written, err
	}
	if written > maxBytes {
		return written, fmt.Errorf("file exceeds the size limit")
	}
	return written, nil
}

func copyPlainFile(dst, src string) error {
	target := filepath.Join(dst, filepath.Base(src))
	if target == src {
		// Not an archive and already in place, keep it as it is.
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// detectWrapper reports the single top level directory of dst, ignoring
// the downloaded archive files themselves. Empty when the content is
// flat or mixed.
func detectWrapper(dst, src string) string {
	entries, err := os.ReadDir(dst)
	if err != nil {
		return ""
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			if e.Name() == filepath.Base(src) || strings.HasPrefix(e.Name(), "download.") {
				continue
			}
			return ""
		}
		dirs = append(dirs, e.Name())
	}
	if len(dirs) == 1 {
		return dirs[0]
	}
	return ""
}
