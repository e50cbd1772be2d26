package gmail

import (
	"log/slog"

	"go.withmatt.com/mailsync/internal/config"
)

// Options tunes a Client.
type Options struct {
	// Tabs are the collections ListPage can serve, by name.
	Tabs []config.Tab
	// PageSize is the number of messages listed per page.
	PageSize int
	// Concurrency bounds the parallel per-message requests.
	Concurrency int
	// QPS paces every request the client makes.
	QPS    float64
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	sync := config.Sync{
		PageSize:         o.PageSize,
		FetchConcurrency: o.Concurrency,
		RateLimitQPS:     o.QPS,
	}.WithDefaults()
	o.PageSize = sync.PageSize
	o.Concurrency = sync.FetchConcurrency
	o.QPS = sync.RateLimitQPS
	if len(o.Tabs) == 0 {
		o.Tabs = config.DefaultTabs()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
