package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/guard"
)

// ErrBlockedAddress is returned when a hostname resolves to a blocked
// address at dial time. The target validator works on literal host text and
// cannot see resolved addresses; checking again at connect time closes the
// DNS-rebinding hole.
var ErrBlockedAddress = errors.New("resolved to blocked address")

const (
	defaultScrapeTimeout = 20 * time.Second
	defaultMaxBodySize   = 2 << 20 // 2 MiB
	maxRedirects         = 5
	maxLinks             = 100
)

// ScrapeRequest is the input document for the scrape capability.
type ScrapeRequest struct {
	URL string `json:"url"`
}

// ScrapeResponse is the result document: title, visible text, and links
// extracted from the fetched page.
type ScrapeResponse struct {
	URL         string   `json:"url"`
	StatusCode  int      `json:"status_code"`
	ContentType string   `json:"content_type"`
	Title       string   `json:"title,omitempty"`
	Text        string   `json:"text,omitempty"`
	Links       []string `json:"links,omitempty"`
	Truncated   bool     `json:"truncated,omitempty"`
}

// Scraper fetches and extracts web content. Every fetch is admitted by the
// target validator first, and every dial re-checks the resolved address.
type Scraper struct {
	validator   *guard.Validator
	maxBodySize int64
	userAgent   string
	httpClient  *http.Client

	OnBlocked func(reason string)
}

// NewScraper creates the content fetcher.
func NewScraper(cfg config.ScrapeConfig, validator *guard.Validator) (*Scraper, error) {
	timeout, err := config.ParseDuration(cfg.Timeout, defaultScrapeTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid scrape timeout: %w", err)
	}
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "agentgate/1.0"
	}

	s := &Scraper{
		validator:   validator,
		maxBodySize: maxBody,
		userAgent:   userAgent,
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           s.safeDial(dialer),
		MaxIdleConns:          20,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	s.httpClient = &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			// Redirect targets get the same admission as the original URL.
			if err := s.checkTarget(req.URL.String()); err != nil {
				return err
			}
			return nil
		},
	}

	return s, nil
}

// safeDial resolves the host itself, rejects any blocked address, and dials
// one of the vetted addresses directly so the connection cannot go to an
// address that was not checked.
func (s *Scraper) safeDial(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}

		var dialErr error
		for _, ip := range ips {
			if s.validator.BlockedIP(ip.IP) {
				if s.OnBlocked != nil {
					s.OnBlocked(guard.ReasonInternalAddress)
				}
				dialErr = fmt.Errorf("%w: %s", ErrBlockedAddress, host)
				continue
			}
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
			if err == nil {
				return conn, nil
			}
			dialErr = err
		}
		if dialErr == nil {
			dialErr = fmt.Errorf("no addresses for %s", host)
		}
		return nil, dialErr
	}
}

func (s *Scraper) checkTarget(rawURL string) error {
	if err := s.validator.CheckTarget(rawURL); err != nil {
		if s.OnBlocked != nil {
			var ute *guard.UnsafeTargetError
			if errors.As(err, &ute) {
				s.OnBlocked(ute.Reason)
			}
		}
		return err
	}
	return nil
}

// Scrape fetches the target and extracts its content.
func (s *Scraper) Scrape(ctx context.Context, req *ScrapeRequest) (*ScrapeResponse, error) {
	target := strings.TrimSpace(req.URL)
	if err := s.checkTarget(target); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create fetch request: %w", err)
	}
	httpReq.Header.Set("User-Agent", s.userAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.8")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	limited := io.LimitReader(resp.Body, s.maxBodySize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	truncated := int64(len(body)) > s.maxBodySize
	if truncated {
		body = body[:s.maxBodySize]
	}

	out := &ScrapeResponse{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Truncated:   truncated,
	}

	if strings.Contains(out.ContentType, "html") {
		extractHTML(body, resp.Request.URL, out)
	} else {
		out.Text = string(body)
	}

	return out, nil
}

// extractHTML pulls the title, visible text, and absolute links out of an
// HTML document. Parse errors are ignored; html.Parse always returns a tree
// for any input.
func extractHTML(body []byte, base *url.URL, out *ScrapeResponse) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		out.Text = ""
		return
	}

	var text strings.Builder
	var walk func(n *html.Node, skip bool)
	walk = func(n *html.Node, skip bool) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				skip = true
			case "title":
				if out.Title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					out.Title = strings.TrimSpace(n.FirstChild.Data)
				}
				skip = true
			case "a":
				if link := hrefOf(n, base); link != "" && len(out.Links) < maxLinks {
					out.Links = append(out.Links, link)
				}
			}
		case html.TextNode:
			if !skip {
				if t := strings.TrimSpace(n.Data); t != "" {
					if text.Len() > 0 {
						text.WriteByte(' ')
					}
					text.WriteString(t)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, skip)
		}
	}
	walk(doc, false)
	out.Text = text.String()
}

func hrefOf(n *html.Node, base *url.URL) string {
	for _, attr := range n.Attr {
		if attr.Key != "href" {
			continue
		}
		ref, err := url.Parse(strings.TrimSpace(attr.Val))
		if err != nil {
			return ""
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return ""
		}
		return abs.String()
	}
	return ""
}
