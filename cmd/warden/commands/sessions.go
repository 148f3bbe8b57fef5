package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/warden/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:          "sessions",
	Short:        "List known sessions",
	SilenceUsage: true,
	RunE:         runSessions,
}

func init() {
	sessionsCmd.Flags().String("history", "", "Show run history for a session id")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	styles := newCLIStyles()

	if id, _ := cmd.Flags().GetString("history"); id != "" {
		return printHistory(st, styles, id)
	}

	sessions, err := st.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	fmt.Printf("%-38s %-12s %-24s %s\n",
		styles.Label.Render("ID"),
		styles.Label.Render("STATUS"),
		styles.Label.Render("HANDLE"),
		styles.Label.Render("UPDATED"))
	for _, sess := range sessions {
		fmt.Printf("%-38s %-12s %-24s %s\n",
			sess.ID,
			styleStatus(styles, sess.Status),
			truncate(sess.Handle, 24),
			relativeTime(sess.UpdatedAt))
	}
	return nil
}

func printHistory(st *store.Store, styles cliStyles, id string) error {
	runs, err := st.Runs(id, 20)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Printf("%-8s %-18s %-6s %-10s %s\n",
		styles.Label.Render("ATTEMPT"),
		styles.Label.Render("CLASS"),
		styles.Label.Render("EXIT"),
		styles.Label.Render("DURATION"),
		styles.Label.Render("ERROR"))
	for _, run := range runs {
		fmt.Printf("%-8d %-18s %-6d %-10s %s\n",
			run.Attempt,
			run.Classification,
			run.ExitCode,
			run.EndedAt.Sub(run.StartedAt).Round(time.Second),
			truncate(run.Error, 60))
	}
	return nil
}

func styleStatus(styles cliStyles, status string) string {
	switch status {
	case store.StatusActive:
		return styles.Success.Render(status)
	case store.StatusInterrupted:
		return styles.Warn.Render(status)
	case store.StatusFailed:
		return styles.Error.Render(status)
	default:
		return styles.Muted.Render(status)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
