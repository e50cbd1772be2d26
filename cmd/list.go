package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"go.withmatt.com/mailsync/internal/mail"
)

const (
	fromWidth    = 24
	subjectWidth = 60
)

var listCmd = &cobra.Command{
	Use:   "list [tab]",
	Short: "List the messages of a tab",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

var moreCmd = &cobra.Command{
	Use:   "more [tab]",
	Short: "Fetch the next page of a tab and list it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMore,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [tab]",
	Short: "Drop the cached pages of a tab and fetch it again",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRefresh,
}

func init() {
	for _, c := range []*cobra.Command{listCmd, moreCmd, refreshCmd} {
		c.Flags().String("tab", "", "tab to list")
		rootCmd.AddCommand(c)
	}
	listCmd.Flags().Int("pages", 1, "number of pages to load")
}

// tabArg lets the tab be given positionally as well as by flag.
func tabArg(cmd *cobra.Command, args []string) {
	if len(args) > 0 {
		_ = cmd.Flags().Set("tab", args[0])
	}
}

func runList(cmd *cobra.Command, args []string) error {
	tabArg(cmd, args)
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	tab, err := s.tab(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := s.mailbox.Load(ctx, tab); err != nil {
		return err
	}
	pages, _ := cmd.Flags().GetInt("pages")
	for i := 1; i < pages && s.mailbox.HasMore(tab); i++ {
		if err := s.mailbox.LoadMore(ctx, tab); err != nil {
			return err
		}
	}
	s.nav.SetTab(tab)
	return printItems(cmd.OutOrStdout(), tab, s.mailbox.Items(tab), s.mailbox.Total(tab), s.mailbox.HasMore(tab))
}

func runMore(cmd *cobra.Command, args []string) error {
	tabArg(cmd, args)
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	tab, err := s.tab(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := s.mailbox.Load(ctx, tab); err != nil {
		return err
	}
	if !s.mailbox.HasMore(tab) {
		fmt.Fprintln(cmd.OutOrStdout(), "No more messages.")
		return nil
	}
	if err := s.mailbox.LoadMore(ctx, tab); err != nil {
		return err
	}
	s.nav.SetTab(tab)
	return printItems(cmd.OutOrStdout(), tab, s.mailbox.Items(tab), s.mailbox.Total(tab), s.mailbox.HasMore(tab))
}

func runRefresh(cmd *cobra.Command, args []string) error {
	tabArg(cmd, args)
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	tab, err := s.tab(cmd)
	if err != nil {
		return err
	}
	if err := s.mailbox.Refresh(cmd.Context(), tab); err != nil {
		return err
	}
	s.nav.SetTab(tab)
	return printItems(cmd.OutOrStdout(), tab, s.mailbox.Items(tab), s.mailbox.Total(tab), s.mailbox.HasMore(tab))
}

func printItems(w io.Writer, tab string, items []mail.Item, total int, more bool) error {
	if len(items) == 0 {
		fmt.Fprintf(w, "No messages in %s.\n", tab)
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "\tid\tthread\tdate\tfrom\tsubject")
	for _, item := range items {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			flags(item),
			item.ID,
			item.ThreadID,
			formatDate(item.Date),
			runewidth.Truncate(item.From, fromWidth, "…"),
			runewidth.Truncate(item.Subject, subjectWidth, "…"),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	footer := fmt.Sprintf("%d of %d in %s", len(items), total, tab)
	if more {
		footer += " (mailsync more for the next page)"
	}
	fmt.Fprintln(w, footer)
	return nil
}

func flags(item mail.Item) string {
	var b strings.Builder
	if item.Unread() {
		b.WriteString("●")
	} else {
		b.WriteString(" ")
	}
	if item.Starred() {
		b.WriteString("★")
	} else {
		b.WriteString(" ")
	}
	return b.String()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	if t.Year() == now.Year() {
		return t.Format("Jan 02")
	}
	return t.Format("2006-01-02")
}
