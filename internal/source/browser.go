package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"feed_spider/internal/config"
	"feed_spider/internal/logger"
	"feed_spider/internal/models"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	defaultRevealScript = `() => window.scrollTo(0, document.body.scrollHeight)`
	heightScript        = `() => document.body.scrollHeight`

	overlayTimeout = 2 * time.Second
)

// BrowserManager owns one Chrome process shared by all browser sessions.
// Chrome is launched (or connected to) on first use and relaunched once if a
// tab cannot be opened.
type BrowserManager struct {
	cfg config.BrowserConfig
	log logger.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool

	// swapped in tests; all run with mu held
	openTab func() (*rod.Page, error)
	alive   func() bool
	reset   func()
}

func NewBrowserManager(cfg config.BrowserConfig, log logger.Logger) *BrowserManager {
	m := &BrowserManager{cfg: cfg, log: log}
	m.openTab = m.newTabLocked
	m.alive = m.aliveLocked
	m.reset = m.cleanupLocked
	return m
}

// OpenPage opens a new tab. Each run gets its own tab so runs of different
// feeds never share page state. Chrome is relaunched only when it stopped
// answering; a tab error on a live browser is returned to the caller alone,
// leaving the tabs of other runs untouched.
func (m *BrowserManager) OpenPage() (PageSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("browser: manager is closed")
	}

	page, err := m.openTab()
	if err != nil {
		if m.alive() {
			return nil, err
		}
		m.log.Warn("browser: not responding, relaunching", logger.Error(err))
		m.reset()
		if page, err = m.openTab(); err != nil {
			return nil, err
		}
	}

	script := m.cfg.RevealScript
	if script == "" {
		script = defaultRevealScript
	}
	return &browserPage{
		page:         page,
		navTimeout:   time.Duration(m.cfg.NavTimeoutSec) * time.Second,
		implicitWait: time.Duration(m.cfg.ImplicitWaitMS) * time.Millisecond,
		revealScript: script,
	}, nil
}

func (m *BrowserManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanupLocked()
	return nil
}

func (m *BrowserManager) newTabLocked() (*rod.Page, error) {
	if m.browser == nil {
		b, err := m.launch()
		if err != nil {
			return nil, err
		}
		m.browser = b
	}

	var page *rod.Page
	var err error
	if m.cfg.Stealth {
		page, err = stealth.Page(m.browser)
	} else {
		page, err = m.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	if m.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: m.cfg.UserAgent}); err != nil {
			m.log.Warn("browser: set user agent failed", logger.Error(err))
		}
	}
	return page, nil
}

func (m *BrowserManager) launch() (*rod.Browser, error) {
	wsURL := m.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(m.cfg.Headless)
		for _, opt := range m.cfg.Options {
			name, value := parseOption(opt)
			switch name {
			case "":
				continue
			case "headless":
				l = l.Headless(true)
			default:
				if value == "" {
					l = l.Set(flags.Flag(name))
				} else {
					l = l.Set(flags.Flag(name), value)
				}
			}
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		m.log.Info("browser: launched local chrome", logger.String("control_url", wsURL))
	} else {
		m.log.Info("browser: connecting to remote", logger.String("control_url", wsURL))
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		m.log.Warn("browser: ignore cert errors failed", logger.Error(err))
	}
	return b, nil
}

func (m *BrowserManager) aliveLocked() bool {
	if m.browser == nil {
		return false
	}
	_, err := proto.BrowserGetVersion{}.Call(m.browser)
	return err == nil
}

func (m *BrowserManager) cleanupLocked() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.log.Debug("browser: close", logger.Error(err))
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

// parseOption turns a Chrome command-line switch such as "--window-size=1920,1080"
// into a launcher flag name and value.
func parseOption(opt string) (string, string) {
	opt = strings.TrimLeft(strings.TrimSpace(opt), "-")
	name, value, _ := strings.Cut(opt, "=")
	if name == "headless" && value != "" {
		// "--headless=new" and friends
		value = ""
	}
	return name, value
}

type browserPage struct {
	page         *rod.Page
	url          string
	navTimeout   time.Duration
	implicitWait time.Duration
	revealScript string
}

func (p *browserPage) Load(ctx context.Context, url string) error {
	navCtx := ctx
	if p.navTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, p.navTimeout)
		defer cancel()
	}

	p.url = url
	if err := p.page.Context(navCtx).Navigate(url); err != nil {
		return &LoadError{URL: url, Err: err}
	}
	if err := p.page.Context(navCtx).WaitLoad(); err != nil {
		return &LoadError{URL: url, Err: err}
	}
	return nil
}

func (p *browserPage) RevealMore(ctx context.Context) error {
	if _, err := p.page.Context(ctx).Eval(p.revealScript); err != nil {
		return fmt.Errorf("browser: reveal: %w", err)
	}
	return nil
}

func (p *browserPage) CurrentHeight(ctx context.Context) (int64, error) {
	res, err := p.page.Context(ctx).Eval(heightScript)
	if err != nil {
		return 0, fmt.Errorf("browser: height: %w", err)
	}
	return int64(res.Value.Int()), nil
}

func (p *browserPage) ListItems(ctx context.Context, sel Selectors) ([]models.ContentItem, error) {
	times, err := p.texts(ctx, sel.Time)
	if err != nil {
		return nil, &ExtractError{URL: p.url, Err: err}
	}
	contents, err := p.texts(ctx, sel.Content)
	if err != nil {
		return nil, &ExtractError{URL: p.url, Err: err}
	}
	return zipItems(times, contents), nil
}

// texts returns the rendered text of every node matching expr. Like an
// implicit wait, it gives the page up to implicitWait to produce the first
// match; if none appears the result is empty rather than an error.
func (p *browserPage) texts(ctx context.Context, expr string) ([]string, error) {
	pg := p.page.Context(ctx)
	query := func() (rod.Elements, error) {
		if IsXPath(expr) {
			return pg.ElementsX(expr)
		}
		return pg.Elements(expr)
	}

	els, err := query()
	if err != nil {
		return nil, err
	}
	if len(els) == 0 && p.implicitWait > 0 {
		if werr := p.waitFirst(pg, expr); werr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, nil
		}
		if els, err = query(); err != nil {
			return nil, err
		}
	}

	texts := make([]string, 0, len(els))
	for _, el := range els {
		txt, err := el.Text()
		if err != nil {
			return nil, err
		}
		texts = append(texts, txt)
	}
	return texts, nil
}

func (p *browserPage) waitFirst(pg *rod.Page, expr string) error {
	pg = pg.Timeout(p.implicitWait)
	defer pg.CancelTimeout()
	var err error
	if IsXPath(expr) {
		_, err = pg.ElementX(expr)
	} else {
		_, err = pg.Element(expr)
	}
	return err
}

func (p *browserPage) DismissOverlay(ctx context.Context, selector string) error {
	pg := p.page.Context(ctx).Timeout(overlayTimeout)
	defer pg.CancelTimeout()
	var el *rod.Element
	var err error
	if IsXPath(selector) {
		el, err = pg.ElementX(selector)
	} else {
		el, err = pg.Element(selector)
	}
	if err != nil {
		return fmt.Errorf("browser: overlay %q: %w", selector, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *browserPage) Close() error {
	return p.page.Close()
}
