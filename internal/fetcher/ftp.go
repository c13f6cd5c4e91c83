package fetcher

import (
	"context"
	"io"
	"mime"
	"net"
	"net/url"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/resilience"
)

// FTPOptions configures the FTP fetcher.
type FTPOptions struct {
	Timeout  time.Duration
	MaxBytes int64
	// DialAttempts bounds connection attempts. Login and retrieval are
	// not retried.
	DialAttempts int
}

// FTPFetcher downloads schedule archives that agencies still publish over
// FTP. Credentials in the URL are used; otherwise the login is anonymous.
type FTPFetcher struct {
	opts FTPOptions
}

var _ Fetcher = (*FTPFetcher)(nil)

func NewFTPFetcher(opts FTPOptions) *FTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = 3
	}
	return &FTPFetcher{opts: opts}
}

// ftpTarget is a parsed ftp:// URL.
type ftpTarget struct {
	addr string
	path string
	user string
	pass string
}

func parseFTPURL(rawURL string) (ftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpTarget{}, &PermanentError{URL: rawURL, Err: eris.Wrap(err, "parse ftp url")}
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, &PermanentError{URL: rawURL, Err: eris.Errorf("scheme %q is not ftp", u.Scheme)}
	}
	if u.Path == "" || u.Path == "/" {
		return ftpTarget{}, &PermanentError{URL: rawURL, Err: eris.New("ftp url names no file")}
	}
	t := ftpTarget{addr: u.Host, path: u.Path, user: "anonymous", pass: "anonymous@"}
	if _, _, err := net.SplitHostPort(t.addr); err != nil {
		t.addr = net.JoinHostPort(t.addr, "21")
	}
	if u.User != nil {
		t.user = u.User.Username()
		t.pass, _ = u.User.Password()
	}
	return t, nil
}

func (f *FTPFetcher) connect(ctx context.Context, t ftpTarget) (*ftp.ServerConn, error) {
	log := zap.L().With(zap.String("component", "fetcher.ftp"), zap.String("addr", t.addr))
	conn, err := resilience.RetryVal(ctx, resilience.Policy{
		Attempts: f.opts.DialAttempts,
		Base:     time.Second,
		Max:      10 * time.Second,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			log.Warn("ftp dial failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		},
	}, func(ctx context.Context) (*ftp.ServerConn, error) {
		c, err := ftp.Dial(t.addr, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "fetcher: ftp dial"), 0)
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Login(t.user, t.pass); err != nil {
		_ = conn.Quit()
		return nil, &PermanentError{URL: "ftp://" + t.addr, Err: eris.Wrap(err, "ftp login")}
	}
	return conn, nil
}

// ftpBody closes the transfer and then the session.
type ftpBody struct {
	*ftp.Response
	conn *ftp.ServerConn
}

func (b *ftpBody) Close() error {
	err := b.Response.Close()
	if qerr := b.conn.Quit(); err == nil && qerr != nil {
		err = qerr
	}
	return eris.Wrap(err, "fetcher: close ftp transfer")
}

// Download retrieves the file. Closing the body ends the FTP session.
func (f *FTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	t, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := f.connect(ctx, t)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Retr(t.path)
	if err != nil {
		_ = conn.Quit()
		return nil, &PermanentError{URL: rawURL, Err: eris.Wrap(err, "ftp retrieve")}
	}
	return &ftpBody{Response: resp, conn: conn}, nil
}

// Fetch reads the whole file. The modification time is filled in when the
// server supports MDTM.
func (f *FTPFetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	t, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := f.connect(ctx, t)
	if err != nil {
		return nil, err
	}
	defer conn.Quit() //nolint:errcheck

	doc := &Document{URL: rawURL, ContentType: mime.TypeByExtension(path.Ext(t.path))}
	if conn.IsGetTimeSupported() {
		if mt, err := conn.GetTime(t.path); err == nil {
			doc.LastModified = mt.UTC()
		}
	}

	resp, err := conn.Retr(t.path)
	if err != nil {
		return nil, &PermanentError{URL: rawURL, Err: eris.Wrap(err, "ftp retrieve")}
	}
	defer resp.Close() //nolint:errcheck
	doc.Body, err = readAll(rawURL, resp, f.opts.MaxBytes)
	if err != nil {
		return nil, err
	}
	return doc, nil
}
