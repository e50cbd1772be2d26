package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"

	"go.withmatt.com/mailsync/internal/config"
	"go.withmatt.com/mailsync/internal/mail"
)

// batchModifyLimit is the most IDs a single BatchModify call accepts.
const batchModifyLimit = 1000

// Client wraps Gmail API service
type Client struct {
	srv         *gmail.Service
	tabs        map[string]config.Tab
	pageSize    int64
	concurrency int
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewClient creates a new Gmail client
func NewClient(srv *gmail.Service, opts Options) *Client {
	opts = opts.withDefaults()
	tabs := make(map[string]config.Tab, len(opts.Tabs))
	for _, t := range opts.Tabs {
		tabs[t.Name] = t
	}
	return &Client{
		srv:         srv,
		tabs:        tabs,
		pageSize:    int64(opts.PageSize),
		concurrency: opts.Concurrency,
		limiter:     rate.NewLimiter(rate.Limit(opts.QPS), opts.Concurrency),
		logger:      opts.Logger,
	}
}

// ListPage fetches one page of the tab named key, with metadata for every
// message on it.
func (c *Client) ListPage(ctx context.Context, key, cursor string) (mail.PageResult, error) {
	tab, ok := c.tabs[key]
	if !ok {
		return mail.PageResult{}, fmt.Errorf("unknown tab %q", key)
	}

	req := c.srv.Users.Messages.List("me").
		MaxResults(c.pageSize).
		Context(ctx)
	if len(tab.Labels) > 0 {
		req = req.LabelIds(tab.Labels...)
	}
	if tab.Query != "" {
		req = req.Q(tab.Query)
	}
	if slices.Contains(tab.Labels, mail.LabelTrash) {
		req = req.IncludeSpamTrash(true)
	}
	if cursor != "" {
		req = req.PageToken(cursor)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return mail.PageResult{}, err
	}
	res, err := req.Do()
	if err != nil {
		return mail.PageResult{}, fmt.Errorf("list %s: %w", key, err)
	}

	items := make([]mail.Item, len(res.Messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, ref := range res.Messages {
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return err
			}
			msg, err := c.srv.Users.Messages.Get("me", ref.Id).
				Format("metadata").
				MetadataHeaders("From", "Subject").
				Context(gctx).
				Do()
			if err != nil {
				return fmt.Errorf("get message %s: %w", ref.Id, err)
			}
			items[i] = GmailToItem(msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return mail.PageResult{}, err
	}

	c.logger.Debug("listed page",
		"tab", key,
		"items", len(items),
		"estimate", res.ResultSizeEstimate,
		"more", res.NextPageToken != "",
	)
	return mail.PageResult{
		Items:      items,
		NextCursor: res.NextPageToken,
		Total:      int(res.ResultSizeEstimate),
	}, nil
}

// GetThread fetches all messages in a thread
func (c *Client) GetThread(ctx context.Context, threadID string) ([]mail.Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	thread, err := c.srv.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}

	messages := make([]mail.Message, 0, len(thread.Messages))
	for _, msg := range thread.Messages {
		messages = append(messages, GmailToMessage(msg))
	}

	return messages, nil
}

// ModifyLabels adds and removes labels on messages in batches. A failure
// after the first batch went through wraps mail.ErrPartial.
func (c *Client) ModifyLabels(ctx context.Context, ids []string, add, remove []string) error {
	done := 0
	for chunk := range slices.Chunk(ids, batchModifyLimit) {
		if err := c.limiter.Wait(ctx); err != nil {
			return partial(err, done, len(ids))
		}
		req := &gmail.BatchModifyMessagesRequest{
			Ids:            chunk,
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}
		if err := c.srv.Users.Messages.BatchModify("me", req).Context(ctx).Do(); err != nil {
			return partial(err, done, len(ids))
		}
		done += len(chunk)
	}
	return nil
}

// Trash moves messages to the trash.
func (c *Client) Trash(ctx context.Context, ids []string) error {
	return c.each(ctx, ids, func(ctx context.Context, id string) error {
		_, err := c.srv.Users.Messages.Trash("me", id).Context(ctx).Do()
		return err
	})
}

// Restore moves messages out of the trash and back into the inbox.
func (c *Client) Restore(ctx context.Context, ids []string) error {
	err := c.each(ctx, ids, func(ctx context.Context, id string) error {
		_, err := c.srv.Users.Messages.Untrash("me", id).Context(ctx).Do()
		return err
	})
	if err != nil {
		return err
	}
	if err := c.ModifyLabels(ctx, ids, []string{mail.LabelInbox}, nil); err != nil {
		if errors.Is(err, mail.ErrPartial) {
			return err
		}
		return partial(err, len(ids), len(ids))
	}
	return nil
}

// each runs fn for every id with bounded concurrency, stopping at the first
// error. A failure after any id succeeded wraps mail.ErrPartial.
func (c *Client) each(ctx context.Context, ids []string, fn func(context.Context, string) error) error {
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return err
			}
			if err := fn(gctx, id); err != nil {
				return fmt.Errorf("message %s: %w", id, err)
			}
			done.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return partial(err, int(done.Load()), len(ids))
	}
	return nil
}

func partial(err error, done, total int) error {
	if done == 0 {
		return err
	}
	return fmt.Errorf("%w after %d of %d messages: %w", mail.ErrPartial, done, total, err)
}
