// Package archive exports the backup root into a single compressed tarball.
//
// The export is a point-in-time copy for moving a mirror elsewhere. It is not a
// restore path: nothing in the mirror ever reads an archive back.
package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/pool"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

const defaultBufferSize = 256 * 1024

// Options configures Create.
type Options struct {
	// Source is the directory to archive, normally the backup root.
	Source string
	// Output is the archive path. Empty selects DefaultOutputPath.
	Output string
	Format Format
	Level  Level
	// Exclude lists base names skipped at the top level of Source.
	Exclude    []string
	BufferSize int64
}

// Result summarizes a finished archive.
type Result struct {
	Path  string
	Files int64
	Bytes int64
}

// DefaultOutputPath returns the archive path used when none is given: a sibling
// of source named after it and the time of the export.
func DefaultOutputPath(source string, format Format, now time.Time) string {
	clean := filepath.Clean(source)
	return fmt.Sprintf("%s_%s.%s", clean, now.Format("20060102-150405"), format)
}

// Create writes the archive described by opts. The archive is written to a
// temporary file next to the output and renamed into place once complete, so a
// cancelled or failed export never leaves a truncated archive behind.
func Create(ctx context.Context, opts Options) (res Result, retErr error) {
	if opts.Format == "" {
		opts.Format = TarZst
	}
	if opts.Level == "" {
		opts.Level = Default
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	src, err := filepath.Abs(opts.Source)
	if err != nil {
		return Result{}, fmt.Errorf("could not resolve source %q: %w", opts.Source, err)
	}
	if opts.Output == "" {
		opts.Output = DefaultOutputPath(src, opts.Format, time.Now())
	}
	out, err := filepath.Abs(opts.Output)
	if err != nil {
		return Result{}, fmt.Errorf("could not resolve output %q: %w", opts.Output, err)
	}

	plog.Notice("ARCHIVE", "source", src, "output", out, "format", opts.Format, "level", opts.Level)

	// 1. Create Temp File
	trgF, err := os.CreateTemp(filepath.Dir(out), "pgl-mirror-*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempPath := trgF.Name()

	// Ensure cleanup on error
	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempPath)
		}
	}()

	a := &archiver{
		src:     src,
		skip:    map[string]bool{tempPath: true, out: true},
		exclude: make(map[string]bool, len(opts.Exclude)),
		buffers: pool.NewFixedBuffer(opts.BufferSize),
	}
	for _, name := range opts.Exclude {
		a.exclude[name] = true
	}

	// 2. Write Archive Content
	if err := a.write(ctx, trgF, opts.Format, opts.Level, opts.BufferSize); err != nil {
		return Result{}, err
	}

	// 3. Close explicitly
	if err := trgF.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close temp file: %w", err)
	}

	// 4. Rename into place
	if err := os.Rename(tempPath, out); err != nil {
		return Result{}, fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}

	return Result{Path: out, Files: a.files, Bytes: a.bytes}, nil
}

type archiver struct {
	src     string
	skip    map[string]bool
	exclude map[string]bool
	buffers *pool.FixedBufferPool

	files int64
	bytes int64
}

// newCompressedWriter wraps w in the encoder selected by format and level.
func newCompressedWriter(w io.Writer, format Format, level Level) (io.WriteCloser, error) {
	if format == TarZst {
		var encoderLevel zstd.EncoderLevel
		switch level {
		case Fastest:
			encoderLevel = zstd.SpeedFastest
		case Better:
			encoderLevel = zstd.SpeedBetterCompression
		case Best:
			encoderLevel = zstd.SpeedBestCompression
		default:
			encoderLevel = zstd.SpeedDefault
		}
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	}

	var lvl int
	switch level {
	case Fastest:
		lvl = pgzip.BestSpeed
	case Better:
		lvl = 6 // Good balance
	case Best:
		lvl = pgzip.BestCompression
	default:
		lvl = pgzip.DefaultCompression
	}
	gw, err := pgzip.NewWriterLevel(w, lvl)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return gw, nil
}

func (a *archiver) write(ctx context.Context, f *os.File, format Format, level Level, bufferSize int64) (retErr error) {
	bufWriter := bufio.NewWriterSize(f, int(bufferSize))

	compressedWriter, err := newCompressedWriter(bufWriter, format, level)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(compressedWriter)

	// Robust cleanup
	defer func() {
		if err := tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	return filepath.WalkDir(a.src, func(absPath string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}
		if absPath == a.src {
			return nil
		}
		if a.skip[absPath] || (filepath.Dir(absPath) == a.src && a.exclude[d.Name()]) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return a.addEntry(tw, absPath, d)
	})
}

func (a *archiver) addEntry(tw *tar.Writer, absPath string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil // Removed while walking.
		}
		return fmt.Errorf("failed to get file info for %s: %w", absPath, err)
	}
	rel, err := filepath.Rel(a.src, absPath)
	if err != nil {
		return fmt.Errorf("failed to get relative path for %s: %w", absPath, err)
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(absPath); err != nil {
			return fmt.Errorf("failed to read symlink %s: %w", absPath, err)
		}
	} else if !info.Mode().IsRegular() && !info.IsDir() {
		plog.Debug("Skipping special file", "path", rel)
		return nil
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", rel, err)
	}
	header.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		header.Name += "/"
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	in, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", absPath, err)
	}
	defer in.Close()

	bufPtr := a.buffers.Get()
	defer a.buffers.Put(bufPtr)

	// The header promises exactly info.Size() bytes; a file growing while it is
	// archived is cut off there.
	n, err := io.CopyBuffer(tw, io.LimitReader(in, info.Size()), *bufPtr)
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", rel, err)
	}
	if n < info.Size() {
		return fmt.Errorf("failed to archive %s: file shrank while reading", rel)
	}
	a.files++
	a.bytes += n
	plog.Debug("Archived file", "path", rel, "size", util.ByteCountIEC(n))
	return nil
}
