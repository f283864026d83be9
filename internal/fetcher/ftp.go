package fetcher

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/model"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout time.Duration
	// MaxBytes bounds a download. Zero means unbounded.
	MaxBytes int64
}

// FTPFetcher downloads files over FTP, anonymously unless the URL carries
// credentials.
type FTPFetcher struct {
	opts FTPOptions
}

// NewFTPFetcher creates an FTPFetcher.
func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPFetcher{opts: opts}
}

type ftpTarget struct {
	host     string
	path     string
	user     string
	password string
}

// fileContentTypes covers the extensions statistical agencies publish on FTP
// that the mime table may not know.
var fileContentTypes = map[string]string{
	".csv":  "text/csv",
	".txt":  "text/plain",
	".json": "application/json",
	".xml":  "application/xml",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":  "application/vnd.ms-excel",
}

func contentTypeFor(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ct, ok := fileContentTypes[ext]; ok {
		return ct
	}
	return mime.TypeByExtension(ext)
}

// parseFTPURL extracts the dial address, file path, and login from an FTP URL.
func parseFTPURL(rawURL string) (ftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpTarget{}, eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		return ftpTarget{}, eris.New("empty path in ftp url")
	}

	t := ftpTarget{host: u.Host, path: u.Path, user: "anonymous", password: "anonymous@"}
	if _, _, splitErr := net.SplitHostPort(t.host); splitErr != nil {
		t.host = net.JoinHostPort(t.host, "21")
	}
	if u.User != nil && u.User.Username() != "" {
		t.user = u.User.Username()
		t.password, _ = u.User.Password()
	}
	return t, nil
}

// errFileUnavailable marks a 550 reply to RETR.
var errFileUnavailable = eris.New("ftp: file unavailable")

// Download retrieves the whole file at ftpURL.
func (f *FTPFetcher) Download(ctx context.Context, ftpURL string) ([]byte, error) {
	t, err := parseFTPURL(ftpURL)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("ftp: connecting", zap.String("host", t.host), zap.String("path", t.path))

	conn, err := ftp.Dial(t.host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(t.user, t.password); err != nil {
		return nil, eris.Wrap(err, "ftp login")
	}
	resp, err := conn.Retr(t.path)
	if err != nil {
		var te *textproto.Error
		if errors.As(err, &te) && te.Code == ftp.StatusFileUnavailable {
			return nil, eris.Wrapf(errFileUnavailable, "ftp retrieve %s: %s", t.path, te.Msg)
		}
		return nil, eris.Wrap(err, "ftp retrieve")
	}
	defer resp.Close() //nolint:errcheck

	var r io.Reader = resp
	if f.opts.MaxBytes > 0 {
		r = io.LimitReader(resp, f.opts.MaxBytes)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "ftp read")
	}
	return body, nil
}

// fetchFTP maps a download onto a FetchResult. A missing file reads as a
// 404 so it classifies like its HTTP counterpart.
func (c *Client) fetchFTP(ctx context.Context, rawURL string) (*model.FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &model.NetworkError{URL: rawURL, Err: err}
	}
	fr := &model.FetchResult{
		URL:         rawURL,
		StatusCode:  http.StatusOK,
		ContentType: contentTypeFor(u.Path),
		FetchedAt:   c.nowFunc().UTC(),
	}

	body, err := c.ftp.Download(ctx, rawURL)
	switch {
	case errors.Is(err, errFileUnavailable):
		fr.StatusCode = http.StatusNotFound
		fr.ContentType = ""
		return fr, nil
	case err != nil:
		return nil, &model.NetworkError{URL: rawURL, Err: err}
	}
	fr.Body = body
	return fr, nil
}
