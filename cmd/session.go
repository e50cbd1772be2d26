package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"go.withmatt.com/mailsync/internal/config"
	"go.withmatt.com/mailsync/internal/gmail"
	"go.withmatt.com/mailsync/internal/log"
	"go.withmatt.com/mailsync/internal/mailbox"
	"go.withmatt.com/mailsync/internal/nav"
	"go.withmatt.com/mailsync/internal/oauth"
	"go.withmatt.com/mailsync/internal/store"
)

// session is everything a command needs to talk to one account.
type session struct {
	cfg     config.Config
	account config.Account
	mailbox *mailbox.Mailbox
	nav     *nav.File
	store   *store.Store
}

func (s *session) Close() {
	s.mailbox.Close()
	if err := s.store.Close(); err != nil {
		log.Printf("closing store: %v", err)
	}
}

// tab resolves the collection a command acts on: the flag, else the last
// listed tab, else the first configured one.
func (s *session) tab(cmd *cobra.Command) (string, error) {
	name, _ := cmd.Flags().GetString("tab")
	if name == "" {
		name = s.nav.Tab()
	}
	if name == "" {
		name = s.cfg.Tabs[0].Name
	}
	if _, ok := s.cfg.Tab(name); !ok {
		return "", fmt.Errorf("unknown tab %q", name)
	}
	return name, nil
}

// printer reports action outcomes on the command's output streams.
type printer struct {
	out, err io.Writer
}

func (p printer) OnSuccess(msg string) { fmt.Fprintln(p.out, msg) }
func (p printer) OnError(msg string)   { fmt.Fprintln(p.err, "error:", msg) }

func openSession(cmd *cobra.Command) (*session, error) {
	ctx := cmd.Context()

	loaded, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("unable to load config: %w", err)
	}
	cfg := loaded.WithDefaults()

	accountFlag, _ := cmd.Flags().GetString("account")
	account, err := cfg.Account(accountFlag)
	if err != nil {
		return nil, err
	}

	srv, err := getGmailService(ctx, cfg, account.Email)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service for %s: %w", account.Email, err)
	}
	logger := log.Logger()
	client := gmail.NewClient(srv, gmail.Options{
		Tabs:        cfg.Tabs,
		PageSize:    cfg.Sync.PageSize,
		Concurrency: cfg.Sync.FetchConcurrency,
		QPS:         cfg.Sync.RateLimitQPS,
		Logger:      logger,
	})

	dbPath, err := store.DefaultPath()
	if err != nil {
		return nil, err
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open cache: %w", err)
	}

	statePath, err := config.StatePath()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	state, err := nav.Open(statePath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	state.WithLogger(logger)

	mb := mailbox.New(ctx, client, mailbox.Options{
		Account:         account.Email,
		Store:           db,
		Navigation:      state,
		Notifier:        printer{out: cmd.OutOrStdout(), err: cmd.ErrOrStderr()},
		Logger:          logger,
		MutationTimeout: cfg.Sync.MutationTimeout(),
	})
	return &session{
		cfg:     cfg,
		account: account,
		mailbox: mb,
		nav:     state,
		store:   db,
	}, nil
}

func getGmailService(ctx context.Context, cfg config.Config, email string) (*gmailapi.Service, error) {
	// Get OAuth token
	client, err := oauth.GetClient(ctx, oauth.Config(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret), email)
	if err != nil {
		return nil, err
	}

	// Create Gmail service
	srv, err := gmailapi.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, err
	}

	return srv, nil
}
