// Package source opens input tables from local paths, FTP or HTTP URLs,
// archives and compressed files, and transcodes them to UTF-8.
package source

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Options configures how a location is opened.
type Options struct {
	// Encoding names the input character set (any WHATWG label such as
	// "windows-1252" or "latin1"). Empty or UTF-8 means no transcoding.
	Encoding string

	// Entry selects a member of a .zip archive. Empty picks the first .csv
	// member, or the only member when there is just one.
	Entry string

	// Timeout bounds each remote connection attempt. Default: 30s.
	Timeout time.Duration

	Retry RetryConfig
}

// Open returns a reader over the table at location. Remote files are staged
// in a temporary file first; closing the reader removes it.
func Open(ctx context.Context, location string, opts Options) (io.ReadCloser, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	local, cleanup, err := stage(ctx, location, opts)
	if err != nil {
		return nil, err
	}

	rc, err := openLocal(local, nameOf(location), opts)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &stagedReader{ReadCloser: rc, cleanup: cleanup}, nil
}

// Stage resolves location to a local file path, downloading remote files.
// The returned func removes any temporary file.
func Stage(ctx context.Context, location string, opts Options) (string, func(), error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return stage(ctx, location, opts)
}

func stage(ctx context.Context, location string, opts Options) (string, func(), error) {
	var download func(ctx context.Context, location string, w io.Writer) error
	switch {
	case strings.HasPrefix(location, "ftp://"):
		download = func(ctx context.Context, location string, w io.Writer) error {
			return downloadFTP(ctx, location, w, opts.Timeout)
		}
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		download = func(ctx context.Context, location string, w io.Writer) error {
			return downloadHTTP(ctx, location, w, opts.Timeout)
		}
	default:
		if _, err := os.Stat(location); err != nil {
			return "", nil, eris.Wrapf(err, "source: stat %s", location)
		}
		return location, func() {}, nil
	}

	tmp, err := os.CreateTemp("", "ejscreen-*"+remoteExt(location))
	if err != nil {
		return "", nil, eris.Wrap(err, "source: create temp file")
	}
	cleanup := func() { os.Remove(tmp.Name()) } //nolint:errcheck

	log := zap.L().With(zap.String("location", location))
	err = Retry(ctx, opts.Retry, func(ctx context.Context) error {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return eris.Wrap(err, "source: rewind temp file")
		}
		if err := tmp.Truncate(0); err != nil {
			return eris.Wrap(err, "source: truncate temp file")
		}
		return download(ctx, location, tmp)
	}, func(attempt int, err error) {
		log.Warn("source: retrying download", zap.Int("attempt", attempt), zap.Error(err))
	})
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = eris.Wrap(closeErr, "source: close temp file")
	}
	if err != nil {
		cleanup()
		return "", nil, err
	}

	log.Info("source: downloaded", zap.String("path", tmp.Name()))
	return tmp.Name(), cleanup, nil
}

// openLocal opens a local file, unpacking it according to name's extensions
// (outermost last), then applies charset decoding.
func openLocal(local, name string, opts Options) (io.ReadCloser, error) {
	var (
		rc  io.ReadCloser
		err error
	)
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		rc, err = openZIPEntry(local, opts.Entry)
		if err == nil {
			// a zipped member may itself be compressed
			rc, err = decompress(rc, strings.ToLower(opts.Entry))
		}
	default:
		var f *os.File
		f, err = os.Open(local)
		if err != nil {
			return nil, eris.Wrapf(err, "source: open %s", local)
		}
		rc, err = decompress(f, lower)
	}
	if err != nil {
		return nil, err
	}
	return decode(rc, opts.Encoding)
}

// nameOf returns the file name of a path or URL without query string.
func nameOf(location string) string {
	if i := strings.IndexAny(location, "?#"); i >= 0 && strings.Contains(location, "://") {
		location = location[:i]
	}
	if strings.Contains(location, "://") {
		return path.Base(location)
	}
	return filepath.Base(location)
}

// remoteExt returns the extensions of a remote file name, so that a staged
// "x.csv.gz" keeps its ".csv.gz" suffix.
func remoteExt(location string) string {
	name := nameOf(location)
	if i := strings.Index(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

type stagedReader struct {
	io.ReadCloser
	cleanup func()
}

func (r *stagedReader) Close() error {
	err := r.ReadCloser.Close()
	r.cleanup()
	return err
}

// multiCloser closes an outer reader and the underlying file.
type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
