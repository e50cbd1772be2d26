package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"go.withmatt.com/mailsync/internal/mail"
	"go.withmatt.com/mailsync/internal/thread"
)

var threadCmd = &cobra.Command{
	Use:   "thread [thread-id]",
	Short: "Show a thread and mark it read",
	Long:  "Show every message of a thread. Without an ID the thread that was open last is shown again.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runThread,
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Forget the open thread",
	Args:  cobra.NoArgs,
	RunE:  runClose,
}

func init() {
	threadCmd.Flags().String("tab", "", "tab the thread is listed in")
	rootCmd.AddCommand(threadCmd)
	rootCmd.AddCommand(closeCmd)
}

func runThread(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if len(args) == 0 {
		if !s.mailbox.ResumeThread() {
			return errors.New("no thread is open")
		}
	} else {
		tab, err := s.tab(cmd)
		if err != nil {
			return err
		}
		if err := s.mailbox.Load(ctx, tab); err != nil {
			return err
		}
		s.mailbox.OpenThread(tab, args[0])
	}

	v, err := s.mailbox.WaitThread(ctx)
	if err != nil {
		return err
	}
	switch v.State {
	case thread.StateErrored:
		return fmt.Errorf("thread %s: %w", v.ThreadID, v.Err)
	case thread.StateAborted:
		return mail.ErrAborted
	}
	printThread(cmd.OutOrStdout(), v.Messages)
	return nil
}

func runClose(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	s.mailbox.CloseThread()
	return nil
}

func printThread(w io.Writer, messages []mail.Message) {
	for i, msg := range messages {
		if i > 0 {
			fmt.Fprintln(w, strings.Repeat("─", 72))
		}
		fmt.Fprintf(w, "From:    %s\n", msg.From)
		fmt.Fprintf(w, "To:      %s\n", msg.To)
		if msg.Cc != "" {
			fmt.Fprintf(w, "Cc:      %s\n", msg.Cc)
		}
		fmt.Fprintf(w, "Date:    %s\n", msg.Date.Local().Format("Mon, 02 Jan 2006 15:04"))
		fmt.Fprintf(w, "Subject: %s\n\n", msg.Subject)
		body := msg.BodyText
		if body == "" {
			body = msg.Snippet
		}
		fmt.Fprintln(w, strings.TrimSpace(body))
	}
}
