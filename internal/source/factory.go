package source

import (
	"context"
	"errors"
	"fmt"

	"feed_spider/internal/config"
	"feed_spider/internal/logger"
)

// Drivers opens sessions for either driver. Browser may be nil when no
// enabled feed uses the browser driver.
type Drivers struct {
	Browser *BrowserManager
	HTTP    config.HTTPConfig
	Logger  logger.Logger
}

func (d *Drivers) Open(ctx context.Context, feed config.FeedConfig) (PageSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch feed.Driver {
	case config.DriverStatic:
		return NewStaticSource(d.HTTP, feed.PageParam, d.Logger)
	case config.DriverBrowser, "":
		if d.Browser == nil {
			return nil, errors.New("source: browser driver not configured")
		}
		return d.Browser.OpenPage()
	default:
		return nil, fmt.Errorf("source: unknown driver %q", feed.Driver)
	}
}

func (d *Drivers) Close() error {
	if d.Browser == nil {
		return nil
	}
	return d.Browser.Close()
}
