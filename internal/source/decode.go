package source

import (
	"archive/zip"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// decompress wraps rc in a decompressor chosen by the name's extension.
// Unknown extensions pass through unchanged.
func decompress(rc io.ReadCloser, name string) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "source: open gzip stream")
		}
		return &multiCloser{Reader: zr, closers: []io.Closer{zr, rc}}, nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(rc)
		if err != nil {
			rc.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "source: open zstd stream")
		}
		dec := zr.IOReadCloser()
		return &multiCloser{Reader: dec, closers: []io.Closer{dec, rc}}, nil
	}
	return rc, nil
}

// decode transcodes rc from the named charset to UTF-8.
func decode(rc io.ReadCloser, charset string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8":
		return rc, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		rc.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "source: unsupported charset %q", charset)
	}
	return &multiCloser{Reader: enc.NewDecoder().Reader(rc), closers: []io.Closer{rc}}, nil
}

// openZIPEntry opens one member of a zip archive. With no entry name the
// first .csv member is used, or the only file when the archive holds one.
func openZIPEntry(zipPath, entry string) (io.ReadCloser, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "source: open zip archive")
	}

	f, err := pickEntry(r.File, entry)
	if err != nil {
		r.Close() //nolint:errcheck
		return nil, err
	}
	rc, err := f.Open()
	if err != nil {
		r.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "source: open zip entry %s", f.Name)
	}
	return &multiCloser{Reader: rc, closers: []io.Closer{rc, r}}, nil
}

func pickEntry(files []*zip.File, entry string) (*zip.File, error) {
	var regular []*zip.File
	for _, f := range files {
		if !f.FileInfo().IsDir() {
			regular = append(regular, f)
		}
	}

	if entry != "" {
		for _, f := range regular {
			if f.Name == entry || path.Base(f.Name) == entry {
				return f, nil
			}
		}
		return nil, eris.Errorf("source: zip entry %q not found", entry)
	}
	for _, f := range regular {
		if strings.EqualFold(path.Ext(f.Name), ".csv") {
			return f, nil
		}
	}
	if len(regular) == 1 {
		return regular[0], nil
	}
	return nil, eris.Errorf("source: zip archive has %d files and no .csv entry", len(regular))
}
