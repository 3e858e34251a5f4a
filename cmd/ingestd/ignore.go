package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var ignoreCmd = &cobra.Command{
	Use:   "ignore",
	Short: "Manage a user's ignored identifiers",
	Long:  "Ignored identifiers are never resolved to contacts. Values are normalized before they are stored.",
}

var ignoreAddCmd = &cobra.Command{
	Use:     "add <kind> <value>",
	Short:   "Ignore an identifier",
	Example: "  ingestd ignore add email noreply@service.com --user user-1 --reason automated",
	Args:    cobra.ExactArgs(2),
	RunE:    runIgnoreAdd,
}

var ignoreRemoveCmd = &cobra.Command{
	Use:   "remove <kind> <value>",
	Short: "Stop ignoring an identifier",
	Args:  cobra.ExactArgs(2),
	RunE:  runIgnoreRemove,
}

var ignoreListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ignored identifiers",
	Args:  cobra.NoArgs,
	RunE:  runIgnoreList,
}

var (
	ignoreUser   string
	ignoreReason string
)

func init() {
	ignoreCmd.PersistentFlags().StringVarP(&ignoreUser, "user", "u", "", "User the denylist belongs to (required)")
	if err := ignoreCmd.MarkPersistentFlagRequired("user"); err != nil {
		panic(fmt.Sprintf("failed to mark user flag as required: %v", err))
	}
	ignoreAddCmd.Flags().StringVarP(&ignoreReason, "reason", "r", "", "Why the identifier is ignored")

	ignoreCmd.AddCommand(ignoreAddCmd, ignoreRemoveCmd, ignoreListCmd)
	rootCmd.AddCommand(ignoreCmd)
}

func runIgnoreAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	return a.ignore.Add(cmd.Context(), ignoreUser, args[0], args[1], ignoreReason)
}

func runIgnoreRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ignore.Remove(cmd.Context(), ignoreUser, args[0], args[1]); err != nil {
		return fmt.Errorf("failed to remove %s %s: %w", args[0], args[1], err)
	}
	return nil
}

func runIgnoreList(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.ignore.List(cmd.Context(), ignoreUser)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tVALUE\tREASON\tSINCE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Kind, e.Value, e.Reason, e.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
