package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"feed_spider/internal/config"
	"feed_spider/internal/logger"
	"feed_spider/internal/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/gocolly/colly"
	"github.com/gocolly/colly/extensions"
	"github.com/temoto/robotstxt"
	"golang.org/x/net/html/charset"
)

// ErrDisallowed is returned (wrapped in a LoadError) when robots.txt forbids the feed.
var ErrDisallowed = errors.New("disallowed by robots.txt")

// StaticSource renders a feed without a browser: Load fetches the feed URL
// and every RevealMore fetches the next "?<page_param>=N" page. Entries of
// all fetched pages stay visible, the way an infinite-scroll list keeps
// older entries on screen.
type StaticSource struct {
	cfg       config.HTTPConfig
	pageParam string
	log       logger.Logger
	collector *colly.Collector
	client    *http.Client

	base  *url.URL
	pages [][]byte
	next  int
	done  bool
}

func NewStaticSource(cfg config.HTTPConfig, pageParam string, log logger.Logger) (*StaticSource, error) {
	opts := []func(*colly.Collector){colly.AllowURLRevisit()}
	if cfg.UserAgent != "random" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.IgnoreRobotsTxt = true

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout > 0 {
		c.SetRequestTimeout(timeout)
	}
	if cfg.DelayMS > 0 || cfg.RandomDelay > 0 {
		if err := c.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Delay:       time.Duration(cfg.DelayMS) * time.Millisecond,
			RandomDelay: time.Duration(cfg.RandomDelay) * time.Millisecond,
		}); err != nil {
			return nil, fmt.Errorf("static: limit rule: %w", err)
		}
	}

	if pageParam == "" {
		pageParam = "page"
	}
	return &StaticSource{
		cfg:       cfg,
		pageParam: pageParam,
		log:       log,
		collector: c,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (s *StaticSource) Load(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return &LoadError{URL: rawURL, Err: fmt.Errorf("invalid url: %v", err)}
	}
	u.Fragment = ""

	if s.cfg.Robots && !s.allowedByRobots(ctx, u) {
		return &LoadError{URL: rawURL, Err: ErrDisallowed}
	}

	body, err := s.fetch(ctx, u.String())
	if err != nil {
		return &LoadError{URL: rawURL, Err: err}
	}

	s.base = u
	s.pages = [][]byte{body}
	s.next = 2
	s.done = false
	return nil
}

func (s *StaticSource) RevealMore(ctx context.Context) error {
	if s.base == nil || s.done {
		return nil
	}

	target := pageURL(s.base, s.pageParam, s.next)
	body, err := s.fetch(ctx, target)
	if err != nil {
		var status statusError
		if errors.As(err, &status) && status.code == http.StatusNotFound {
			s.done = true
			return nil
		}
		return fmt.Errorf("static: fetch %s: %w", target, err)
	}

	// Sites that clamp out-of-range pages serve the last page again.
	if bytes.Equal(body, s.pages[len(s.pages)-1]) {
		s.done = true
		return nil
	}

	s.pages = append(s.pages, body)
	s.next++
	return nil
}

func (s *StaticSource) CurrentHeight(context.Context) (int64, error) {
	var n int64
	for _, p := range s.pages {
		n += int64(len(p))
	}
	return n, nil
}

func (s *StaticSource) ListItems(_ context.Context, sel Selectors) ([]models.ContentItem, error) {
	var items []models.ContentItem
	for i, page := range s.pages {
		times, err := selectTexts(page, sel.Time)
		if err != nil {
			return nil, &ExtractError{URL: s.pageURL(i), Err: err}
		}
		contents, err := selectTexts(page, sel.Content)
		if err != nil {
			return nil, &ExtractError{URL: s.pageURL(i), Err: err}
		}
		items = append(items, zipItems(times, contents)...)
	}
	return items, nil
}

// DismissOverlay has nothing to click on a static page.
func (s *StaticSource) DismissOverlay(context.Context, string) error {
	return nil
}

func (s *StaticSource) Close() error {
	s.pages = nil
	return nil
}

func (s *StaticSource) pageURL(i int) string {
	if s.base == nil {
		return ""
	}
	if i == 0 {
		return s.base.String()
	}
	return pageURL(s.base, s.pageParam, i+1)
}

type statusError struct {
	code int
}

func (e statusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.code)
}

func (s *StaticSource) fetch(ctx context.Context, target string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Clone keeps settings and limits but not callbacks.
	c := s.collector.Clone()
	c.AllowURLRevisit = true
	if s.randomUA() {
		extensions.RandomUserAgent(c)
	}
	var body []byte
	var fetchErr error
	c.OnResponse(func(r *colly.Response) {
		decoded, err := decodeBody(r.Body, r.Headers.Get("Content-Type"))
		if err != nil {
			fetchErr = err
			return
		}
		body = decoded
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 {
			fetchErr = statusError{code: r.StatusCode}
			return
		}
		fetchErr = err
	})

	if err := c.Visit(target); err != nil && fetchErr == nil {
		fetchErr = err
	}
	c.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *StaticSource) allowedByRobots(ctx context.Context, u *url.URL) bool {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return true
	}
	if !s.randomUA() {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Debug("static: robots.txt unavailable, ignoring", logger.String("url", robotsURL), logger.Error(err))
		return true
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		s.log.Debug("static: robots.txt unparsable, ignoring", logger.String("url", robotsURL), logger.Error(err))
		return true
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return data.FindGroup(s.robotsAgent()).Test(path)
}

func (s *StaticSource) randomUA() bool {
	return s.cfg.UserAgent == "random"
}

// robotsAgent is the agent robots.txt groups are matched against. A
// rotating user agent has no stable name, so only the "*" group applies.
func (s *StaticSource) robotsAgent() string {
	if s.randomUA() {
		return "*"
	}
	return s.cfg.UserAgent
}

func decodeBody(body []byte, contentType string) ([]byte, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return body, nil
	}
	return io.ReadAll(r)
}

func selectTexts(page []byte, expr string) ([]string, error) {
	if IsXPath(expr) {
		doc, err := htmlquery.Parse(bytes.NewReader(page))
		if err != nil {
			return nil, err
		}
		nodes, err := htmlquery.QueryAll(doc, expr)
		if err != nil {
			return nil, err
		}
		texts := make([]string, 0, len(nodes))
		for _, n := range nodes {
			texts = append(texts, htmlquery.InnerText(n))
		}
		return texts, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}
	var texts []string
	doc.Find(expr).Each(func(_ int, s *goquery.Selection) {
		texts = append(texts, s.Text())
	})
	return texts, nil
}

// pageURL sets the page parameter on base, keeping the rest of its query.
func pageURL(base *url.URL, param string, n int) string {
	u := *base
	q := u.Query()
	q.Set(param, strconv.Itoa(n))
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "#")
}
