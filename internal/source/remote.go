package source

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "source: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("source: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}
	if u.Path == "" || u.Path == "/" {
		return "", "", eris.New("source: empty path in ftp url")
	}
	return host, u.Path, nil
}

// downloadFTP retrieves an FTP file anonymously (or with URL credentials)
// into w.
func downloadFTP(ctx context.Context, rawURL string, w io.Writer, timeout time.Duration) error {
	host, path, err := parseFTPURL(rawURL)
	if err != nil {
		return Permanent(err)
	}
	user, pass := "anonymous", "anonymous@"
	if u, _ := url.Parse(rawURL); u != nil && u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}

	zap.L().Debug("source: ftp connecting", zap.String("host", host), zap.String("path", path))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return eris.Wrap(err, "source: ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(user, pass); err != nil {
		return Permanent(eris.Wrap(err, "source: ftp login"))
	}

	resp, err := conn.Retr(path)
	if err != nil {
		return eris.Wrap(err, "source: ftp retrieve")
	}
	defer resp.Close() //nolint:errcheck

	if _, err := io.Copy(w, resp); err != nil {
		return eris.Wrap(err, "source: ftp read")
	}
	return nil
}

// downloadHTTP GETs rawURL into w. Server errors and 429 are retried;
// other non-2xx statuses are permanent.
func downloadHTTP(ctx context.Context, rawURL string, w io.Writer, timeout time.Duration) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Permanent(eris.Wrap(err, "source: build request"))
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return eris.Wrap(err, "source: http get")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := eris.Errorf("source: http get %s: status %d", rawURL, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return err
		}
		return Permanent(err)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return eris.Wrap(err, "source: http read")
	}
	return nil
}
