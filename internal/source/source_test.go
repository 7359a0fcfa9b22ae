package source

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const table = "ID,PM25\n1,8.5\n2,9.1\n"

func readAll(t *testing.T, location string, opts Options) string {
	t.Helper()
	rc, err := Open(context.Background(), location, opts)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	return string(data)
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func createTestZIP(t *testing.T, name string, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for n, content := range files {
		fw, err := w.Create(n)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return p
}

func TestOpen_Local(t *testing.T) {
	p := writeFile(t, "in.csv", []byte(table))
	assert.Equal(t, table, readAll(t, p, Options{}))
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), Options{})
	require.Error(t, err)
}

func TestOpen_Gzip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "in.csv.gz")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte(table))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	assert.Equal(t, table, readAll(t, p, Options{}))
}

func TestOpen_Zstd(t *testing.T) {
	p := filepath.Join(t.TempDir(), "in.csv.zst")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = zw.Write([]byte(table))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	assert.Equal(t, table, readAll(t, p, Options{}))
}

func TestOpen_ZIP(t *testing.T) {
	p := createTestZIP(t, "in.zip", map[string]string{
		"readme.txt":        "columns described elsewhere",
		"EJSCREEN_2023.csv": table,
	})
	assert.Equal(t, table, readAll(t, p, Options{}))
	assert.Equal(t, "columns described elsewhere", readAll(t, p, Options{Entry: "readme.txt"}))

	_, err := Open(context.Background(), p, Options{Entry: "other.csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestOpen_ZIPWithoutCSV(t *testing.T) {
	single := createTestZIP(t, "one.zip", map[string]string{"data.txt": table})
	assert.Equal(t, table, readAll(t, single, Options{}))

	multi := createTestZIP(t, "two.zip", map[string]string{"a.txt": "a", "b.txt": "b"})
	_, err := Open(context.Background(), multi, Options{})
	require.Error(t, err)
}

func TestOpen_Charset(t *testing.T) {
	p := writeFile(t, "latin.csv", []byte("ID,NAME\n1,Espa\xf1ola\n"))
	assert.Equal(t, "ID,NAME\n1,Española\n", readAll(t, p, Options{Encoding: "windows-1252"}))
	assert.Equal(t, table, readAll(t, writeFile(t, "u.csv", []byte(table)), Options{Encoding: "UTF-8"}))

	_, err := Open(context.Background(), p, Options{Encoding: "klingon"})
	require.Error(t, err)
}

func TestOpen_HTTPRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(table))
	}))
	defer srv.Close()

	got := readAll(t, srv.URL+"/data/in.csv", Options{Retry: RetryConfig{InitialBackoff: time.Millisecond}})
	assert.Equal(t, table, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpen_HTTPNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Open(context.Background(), srv.URL+"/in.csv", Options{Retry: RetryConfig{InitialBackoff: time.Millisecond}})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpen_RemoteCleanup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(table))
	}))
	defer srv.Close()

	local, cleanup, err := Stage(context.Background(), srv.URL+"/in.csv", Options{})
	require.NoError(t, err)
	assert.Equal(t, ".csv", filepath.Ext(local))
	_, err = os.Stat(local)
	require.NoError(t, err)

	cleanup()
	_, err = os.Stat(local)
	assert.True(t, os.IsNotExist(err))
}

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{name: "default port", url: "ftp://newftp.epa.gov/EJSCREEN/2023/EJSCREEN_2023_BG.csv.zip", wantHost: "newftp.epa.gov:21", wantPath: "/EJSCREEN/2023/EJSCREEN_2023_BG.csv.zip"},
		{name: "explicit port", url: "ftp://ftp.example.com:2121/data/file.csv", wantHost: "ftp.example.com:2121", wantPath: "/data/file.csv"},
		{name: "http scheme rejected", url: "http://example.com/file.csv", wantErr: true},
		{name: "empty path", url: "ftp://ftp.example.com", wantErr: true},
		{name: "invalid url", url: "://bad", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, path, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestNameOf(t *testing.T) {
	assert.Equal(t, "a.csv.zip", nameOf("ftp://h/x/a.csv.zip"))
	assert.Equal(t, "a.csv", nameOf("https://h/a.csv?token=1"))
	assert.Equal(t, "b.csv", nameOf(filepath.Join("dir", "b.csv")))
	assert.Equal(t, ".csv.gz", remoteExt("https://h/x.csv.gz"))
}

func TestRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}

	var n int
	var retried []int
	err := Retry(context.Background(), cfg, func(context.Context) error {
		n++
		return errors.New("flaky")
	}, func(attempt int, _ error) { retried = append(retried, attempt) })
	require.Error(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2}, retried)

	n = 0
	err = Retry(context.Background(), cfg, func(context.Context) error {
		n++
		return Permanent(errors.New("bad credentials"))
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n = 0
	err = Retry(ctx, cfg, func(context.Context) error {
		n++
		return errors.New("down")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestRetryConfig_Backoff(t *testing.T) {
	c := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 250 * time.Millisecond}.withDefaults()
	assert.Equal(t, 100*time.Millisecond, c.backoff(0))
	assert.Equal(t, 200*time.Millisecond, c.backoff(1))
	assert.Equal(t, 250*time.Millisecond, c.backoff(5))
	assert.Equal(t, 3, c.MaxAttempts)
}
