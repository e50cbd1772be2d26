package config

import "time"

type Sync struct {
	PageSize               int     `toml:"page_size"`
	MutationTimeoutSeconds int     `toml:"mutation_timeout_seconds"`
	FetchConcurrency       int     `toml:"fetch_concurrency"`
	RateLimitQPS           float64 `toml:"rate_limit_qps"`
}

func (s Sync) WithDefaults() Sync {
	if s.PageSize <= 0 {
		s.PageSize = 50
	}
	if s.MutationTimeoutSeconds == 0 {
		s.MutationTimeoutSeconds = 30
	}
	if s.FetchConcurrency <= 0 {
		s.FetchConcurrency = 10
	}
	if s.RateLimitQPS <= 0 {
		s.RateLimitQPS = 20
	}
	return s
}

// MutationTimeout is how long a write may stay unconfirmed. Negative means
// no limit.
func (s Sync) MutationTimeout() time.Duration {
	return time.Duration(s.MutationTimeoutSeconds) * time.Second
}

// Tab is a named collection: the messages carrying all of Labels and
// matching Query.
type Tab struct {
	Name   string   `toml:"name"`
	Labels []string `toml:"labels"`
	Query  string   `toml:"query"`
}

func DefaultTabs() []Tab {
	return []Tab{
		{Name: "inbox", Labels: []string{"INBOX"}},
		{Name: "starred", Labels: []string{"STARRED"}},
		{Name: "unread", Labels: []string{"INBOX", "UNREAD"}},
		{Name: "trash", Labels: []string{"TRASH"}},
	}
}
