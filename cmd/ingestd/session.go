package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/livinlefevreloca/ingestd/internal/db"
	"github.com/livinlefevreloca/ingestd/internal/session"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and cancel sync sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a sync session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's most recent sync sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionList,
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel an in-progress sync session",
	Long:  "Stops the sync from fetching further pages. Normalize jobs already queued still run.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionCancel,
}

var (
	sessionUser  string
	sessionLimit int
)

func init() {
	sessionListCmd.Flags().StringVarP(&sessionUser, "user", "u", "", "User whose sessions to list (required)")
	sessionListCmd.Flags().IntVarP(&sessionLimit, "limit", "n", 20, "Maximum number of sessions")
	if err := sessionListCmd.MarkFlagRequired("user"); err != nil {
		panic(fmt.Sprintf("failed to mark user flag as required: %v", err))
	}

	sessionCmd.AddCommand(sessionShowCmd, sessionListCmd, sessionCancelCmd)
	rootCmd.AddCommand(sessionCmd)
}

// sessionView is the printed form of a sync session
type sessionView struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Service        string          `json:"service"`
	Status         string          `json:"status"`
	JobID          *string         `json:"jobId,omitempty"`
	Cursor         *string         `json:"cursor,omitempty"`
	TotalItems     *int            `json:"totalItems,omitempty"`
	FetchComplete  bool            `json:"fetchComplete"`
	ImportedItems  int             `json:"importedItems"`
	ProcessedItems int             `json:"processedItems"`
	FailedItems    int             `json:"failedItems"`
	Percentage     *float64        `json:"percentage,omitempty"`
	Preferences    json.RawMessage `json:"preferences,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	LastUpdateAt   time.Time       `json:"lastUpdateAt"`
}

func newSessionView(s *db.SyncSession) sessionView {
	v := sessionView{
		ID:             s.ID,
		UserID:         s.UserID,
		Service:        s.Service,
		Status:         s.Status,
		JobID:          s.JobID,
		Cursor:         s.Cursor,
		TotalItems:     s.TotalItems,
		FetchComplete:  s.FetchComplete,
		ImportedItems:  s.ImportedItems,
		ProcessedItems: s.ProcessedItems,
		FailedItems:    s.FailedItems,
		Percentage:     s.Percentage,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
		LastUpdateAt:   s.LastUpdateAt,
	}
	if s.Preferences != nil {
		v.Preferences = json.RawMessage(*s.Preferences)
	}
	return v
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.tracker.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(newSessionView(s), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func runSessionList(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.tracker.List(cmd.Context(), sessionUser, sessionLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSERVICE\tSTATUS\tPROGRESS\tIMPORTED\tPROCESSED\tFAILED\tSTARTED")
	for _, s := range sessions {
		progress := "-"
		if s.Percentage != nil {
			progress = fmt.Sprintf("%.1f%%", *s.Percentage)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			s.ID, s.Service, s.Status, progress,
			s.ImportedItems, s.ProcessedItems, s.FailedItems,
			s.StartedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionCancel(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.tracker.Cancel(cmd.Context(), args[0])
	if errors.Is(err, session.ErrNotActive) {
		return fmt.Errorf("session %s is not in progress", args[0])
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s cancelled\n", args[0])
	return nil
}
