package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"feed_spider/internal/config"
	"feed_spider/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedPage = `<html><body>
<div class="item"><p class="t">%s</p><p class="c">%s</p></div>
</body></html>`

func newFeedServer(t *testing.T, pages map[string][2]string, robots string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		if robots == "" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, robots)
	})
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "" {
			page = "1"
		}
		entry, ok := pages[page]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, feedPage, entry[0], entry[1])
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestStatic(t *testing.T, robots bool) *StaticSource {
	t.Helper()
	s, err := NewStaticSource(config.HTTPConfig{
		UserAgent:  "FeedSpiderTest",
		TimeoutSec: 5,
		Robots:     robots,
	}, "page", logger.NewNop())
	require.NoError(t, err)
	return s
}

func TestStaticSource_PaginatesUntilNotFound(t *testing.T) {
	srv := newFeedServer(t, map[string][2]string{
		"1": {"2024-01-01 10:02:00", "third"},
		"2": {"2024-01-01 10:01:00", "second"},
	}, "")
	ctx := context.Background()
	s := newTestStatic(t, false)
	defer s.Close()

	require.NoError(t, s.Load(ctx, srv.URL+"/feed"))
	h1, err := s.CurrentHeight(ctx)
	require.NoError(t, err)

	require.NoError(t, s.RevealMore(ctx))
	h2, _ := s.CurrentHeight(ctx)
	assert.Greater(t, h2, h1)

	// page 3 is missing: end of feed, height unchanged
	require.NoError(t, s.RevealMore(ctx))
	h3, _ := s.CurrentHeight(ctx)
	assert.Equal(t, h2, h3)

	items, err := s.ListItems(ctx, Selectors{Time: "p.t", Content: "p.c"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "2024-01-01 10:02:00", items[0].Timestamp)
	assert.Equal(t, "third", items[0].RawText)
	assert.Equal(t, "second", items[1].RawText)
}

func TestStaticSource_XPathSelectors(t *testing.T) {
	srv := newFeedServer(t, map[string][2]string{
		"1": {"10:00", "【Title】body"},
	}, "")
	ctx := context.Background()
	s := newTestStatic(t, false)

	require.NoError(t, s.Load(ctx, srv.URL+"/feed"))
	items, err := s.ListItems(ctx, Selectors{
		Time:    `//p[@class="t"]`,
		Content: `//p[@class="c"]`,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "10:00", items[0].Timestamp)
	assert.Equal(t, "【Title】body", items[0].RawText)
}

func TestStaticSource_BadXPathIsExtractError(t *testing.T) {
	srv := newFeedServer(t, map[string][2]string{"1": {"10:00", "x"}}, "")
	ctx := context.Background()
	s := newTestStatic(t, false)
	require.NoError(t, s.Load(ctx, srv.URL+"/feed"))

	_, err := s.ListItems(ctx, Selectors{Time: "//p[", Content: "p.c"})
	var extractErr *ExtractError
	assert.True(t, errors.As(err, &extractErr))
}

func TestStaticSource_RepeatedPageEndsFeed(t *testing.T) {
	srv := newFeedServer(t, map[string][2]string{
		"1": {"10:00", "same"},
		"2": {"10:00", "same"},
	}, "")
	ctx := context.Background()
	s := newTestStatic(t, false)
	require.NoError(t, s.Load(ctx, srv.URL+"/feed"))

	h1, _ := s.CurrentHeight(ctx)
	require.NoError(t, s.RevealMore(ctx))
	h2, _ := s.CurrentHeight(ctx)
	assert.Equal(t, h1, h2)
}

func TestStaticSource_LoadFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		srv := newFeedServer(t, map[string][2]string{}, "")
		s := newTestStatic(t, false)
		err := s.Load(ctx, srv.URL+"/feed")
		var loadErr *LoadError
		require.True(t, errors.As(err, &loadErr))
		assert.Equal(t, srv.URL+"/feed", loadErr.URL)
	})

	t.Run("invalid url", func(t *testing.T) {
		s := newTestStatic(t, false)
		var loadErr *LoadError
		assert.True(t, errors.As(s.Load(ctx, "not a url"), &loadErr))
	})

	t.Run("robots disallow", func(t *testing.T) {
		srv := newFeedServer(t, map[string][2]string{"1": {"10:00", "x"}},
			"User-agent: *\nDisallow: /feed\n")
		s := newTestStatic(t, true)
		err := s.Load(ctx, srv.URL+"/feed")
		assert.ErrorIs(t, err, ErrDisallowed)
	})

	t.Run("robots ignored when disabled", func(t *testing.T) {
		srv := newFeedServer(t, map[string][2]string{"1": {"10:00", "x"}},
			"User-agent: *\nDisallow: /feed\n")
		s := newTestStatic(t, false)
		assert.NoError(t, s.Load(ctx, srv.URL+"/feed"))
	})

	t.Run("cancelled context", func(t *testing.T) {
		srv := newFeedServer(t, map[string][2]string{"1": {"10:00", "x"}}, "")
		s := newTestStatic(t, false)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, s.Load(cctx, srv.URL+"/feed"), context.Canceled)
	})
}

func TestStaticSource_UserAgent(t *testing.T) {
	const collyDefault = "colly - https://github.com/gocolly/colly"

	for _, tt := range []struct {
		name, configured string
	}{
		{name: "fixed", configured: "FeedSpiderTest/2.0"},
		{name: "random", configured: "random"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var mu sync.Mutex
			var seen []string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				seen = append(seen, r.Header.Get("User-Agent"))
				mu.Unlock()
				if r.URL.Query().Get("page") == "3" {
					http.NotFound(w, r)
					return
				}
				fmt.Fprintf(w, feedPage, "10:0"+r.URL.Query().Get("page"), "entry")
			}))
			defer srv.Close()

			s, err := NewStaticSource(config.HTTPConfig{UserAgent: tt.configured, TimeoutSec: 5}, "page", logger.NewNop())
			require.NoError(t, err)
			ctx := context.Background()
			require.NoError(t, s.Load(ctx, srv.URL+"/feed"))
			require.NoError(t, s.RevealMore(ctx))

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, seen, 2)
			for _, ua := range seen {
				assert.NotEmpty(t, ua)
				assert.NotEqual(t, collyDefault, ua)
				if tt.configured != "random" {
					assert.Equal(t, tt.configured, ua)
				}
			}
		})
	}
}

func TestStaticSource_RobotsAgent(t *testing.T) {
	robots := "User-agent: FeedSpiderTest\nDisallow: /feed\n\nUser-agent: *\nAllow: /\n"
	srv := newFeedServer(t, map[string][2]string{"1": {"10:00", "x"}}, robots)
	ctx := context.Background()

	named := newTestStatic(t, true)
	assert.ErrorIs(t, named.Load(ctx, srv.URL+"/feed"), ErrDisallowed)

	random, err := NewStaticSource(config.HTTPConfig{UserAgent: "random", TimeoutSec: 5, Robots: true}, "page", logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "*", random.robotsAgent())
	assert.NoError(t, random.Load(ctx, srv.URL+"/feed"))
}

func TestPageURL(t *testing.T) {
	base, err := url.Parse("https://example.com/7x24/?tag=102#top")
	require.NoError(t, err)

	got := pageURL(base, "page", 3)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "3", u.Query().Get("page"))
	assert.Equal(t, "102", u.Query().Get("tag"))
	assert.Empty(t, u.Fragment)
}
