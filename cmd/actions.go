package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"go.withmatt.com/mailsync/internal/actions"
	"go.withmatt.com/mailsync/internal/mutation"
)

func init() {
	for _, def := range actions.All() {
		c := &cobra.Command{
			Use:   def.Name + " [id...]",
			Short: fmt.Sprintf("Apply %s to messages", def.Name),
			Long: fmt.Sprintf(
				"Apply %s to the given message IDs, or with --all to every loaded message of the tab.",
				def.Name,
			),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAction(cmd, def, args)
			},
		}
		c.Flags().String("tab", "", "tab the messages belong to")
		c.Flags().Bool("all", false, "act on every loaded message of the tab")
		c.Flags().Int("pages", 1, "with --all, number of pages to load first")
		rootCmd.AddCommand(c)
	}
}

func runAction(cmd *cobra.Command, def actions.Definition, ids []string) error {
	all, _ := cmd.Flags().GetBool("all")
	if all == (len(ids) > 0) {
		return errors.New("pass message IDs or --all")
	}

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

	var p *mutation.Pending
	if all {
		pages, _ := cmd.Flags().GetInt("pages")
		for i := 1; i < pages && s.mailbox.HasMore(tab); i++ {
			if err := s.mailbox.LoadMore(ctx, tab); err != nil {
				return err
			}
		}
		sel := s.mailbox.Selection(tab)
		sel.SelectAll()
		fmt.Fprintln(cmd.OutOrStdout(), s.mailbox.SelectionSummary(tab))
		if p, err = s.mailbox.ApplySelection(def, tab); err != nil {
			return err
		}
	} else {
		p = s.mailbox.Apply(def, tab, ids)
	}

	res, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	if res.Status == mutation.StatusRolledBack {
		// Already reported through the notifier.
		return fmt.Errorf("%s failed", def.Name)
	}
	return nil
}
