package aidetect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	neturl "net/url"
	"path"
	"strings"
	"time"
)

// FetchOpts configures an image download.
type FetchOpts struct {
	MaxBytes  int64         // max response body size (default: 20MB)
	Timeout   time.Duration // per-request timeout (default: 15s)
	UserAgent string        // override config user agent

	// DenyPrivate refuses hosts that resolve to a non-public address,
	// redirect targets included. Resolver overrides net.DefaultResolver.
	DenyPrivate bool
	Resolver    *net.Resolver
}

const (
	defaultFetchMaxBytes = 20 << 20 // 20MB
	defaultFetchTimeout  = 15 * time.Second
	maxFetchRedirects    = 10
)

// FetchImage downloads an image for analysis. Tries Config.StealthClient first
// (if set), falls back to Config.HTTPClient. Non-image answers and oversized
// bodies are ErrInvalidImage; refused targets are ErrURLNotAllowed; transport
// failures are plain errors.
func (p *Pipeline) FetchImage(ctx context.Context, url string, opts FetchOpts) (Image, error) {
	if err := checkFetchURL(ctx, url, opts); err != nil {
		return Image{}, err
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultFetchMaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFetchTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = p.cfg.UserAgent
	}

	// Try stealth client first.
	if p.cfg.StealthClient != nil {
		img, err := fetchImageData(ctx, p.cfg.StealthClient, url, ua, opts)
		if err == nil {
			return img, nil
		}
		slog.Debug("aidetect: stealth fetch failed", "url", url, "error", err.Error())
	}

	// Fallback to regular client.
	return fetchImageData(ctx, p.cfg.HTTPClient, url, ua, opts)
}

func fetchImageData(ctx context.Context, client *http.Client, imageURL, ua string, opts FetchOpts) (Image, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	req.Header.Set("User-Agent", ua)

	resp, err := guardRedirects(client, opts).Do(req) //nolint:gosec // G704: vetted by checkFetchURL
	if err != nil {
		return Image{}, fmt.Errorf("aidetect: fetch %s: %w", imageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Image{}, fmt.Errorf("aidetect: fetch %s: status %d", imageURL, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	// Strip MIME parameters: "image/jpeg; charset=utf-8" → "image/jpeg"
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	if !strings.HasPrefix(ct, "image/") {
		return Image{}, fmt.Errorf("%w: content type %q", ErrInvalidImage, ct)
	}

	// Read one byte past the limit to tell "exactly at limit" from "too big".
	data, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("aidetect: fetch %s: %w", imageURL, err)
	}
	if int64(len(data)) > opts.MaxBytes {
		return Image{}, fmt.Errorf("%w: larger than %d bytes", ErrInvalidImage, opts.MaxBytes)
	}

	return Image{Filename: filenameFromURL(req.URL.Path), Data: data}, nil
}

func filenameFromURL(p string) string {
	name := path.Base(p)
	if name == "." || name == "/" || name == "" {
		return "image"
	}
	return name
}

// checkFetchURL accepts absolute http and https URLs. With DenyPrivate every
// address the host resolves to must be public.
func checkFetchURL(ctx context.Context, raw string, opts FetchOpts) error {
	u, err := neturl.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrURLNotAllowed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrURLNotAllowed, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrURLNotAllowed)
	}
	if !opts.DenyPrivate {
		return nil
	}

	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{a}
	} else {
		r := opts.Resolver
		if r == nil {
			r = net.DefaultResolver
		}
		addrs, err = r.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return fmt.Errorf("aidetect: resolve %s: %w", host, err)
		}
	}
	for _, a := range addrs {
		if !publicAddr(a) {
			return fmt.Errorf("%w: %s resolves to %s", ErrURLNotAllowed, host, a)
		}
	}
	return nil
}

func publicAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsValid() && a.IsGlobalUnicast() && !a.IsPrivate()
}

// guardRedirects re-checks every redirect hop when DenyPrivate is set.
func guardRedirects(client *http.Client, opts FetchOpts) *http.Client {
	if !opts.DenyPrivate {
		return client
	}
	c := *client
	next := client.CheckRedirect
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if err := checkFetchURL(req.Context(), req.URL.String(), opts); err != nil {
			return err
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= maxFetchRedirects {
			return errors.New("aidetect: too many redirects")
		}
		return nil
	}
	return &c
}
