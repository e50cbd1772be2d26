package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"go.withmatt.com/mailsync/internal/config"
	"go.withmatt.com/mailsync/internal/oauth"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List configured accounts",
	Args:  cobra.NoArgs,
	RunE:  runAccounts,
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Authorize an account and add it to the config",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout <email>",
	Short: "Forget the stored token of an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogout,
}

func init() {
	loginCmd.Flags().String("name", "", "display name for the account")
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

func runAccounts(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(cfg.Accounts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No accounts configured. Run 'mailsync login <email>'.")
		return nil
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "name\temail")
	fmt.Fprintln(writer, "----\t-----")
	for _, account := range cfg.Accounts {
		fmt.Fprintf(writer, "%s\t%s\n", account.Name, account.Email)
	}
	return writer.Flush()
}

func runLogin(cmd *cobra.Command, args []string) error {
	email := args[0]
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.OAuth.ClientID == "" {
		return errors.New("set [oauth] client_id and client_secret in the config first")
	}

	oauthCfg := oauth.Config(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret)
	if err := oauth.Login(cmd.Context(), oauthCfg, email); err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = email
	}
	cfg.AddAccount(config.Account{Name: name, Email: email})
	if err := config.Save(cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s.\n", email)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	if err := oauth.DeleteToken(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged out %s.\n", args[0])
	return nil
}
