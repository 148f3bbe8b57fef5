package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marcus/warden/internal/janitor"
	"github.com/marcus/warden/internal/protocol"
	"github.com/marcus/warden/internal/runner"
	"github.com/marcus/warden/internal/session"
	"github.com/marcus/warden/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run an agent session",
	Long: `Run an agent session to its terminal record.

Starts (or resumes, with --session) a session, launches a supervised worker,
and streams its output. While the session runs, 'warden send' queues
follow-up messages, 'warden interrupt' cancels the in-flight turn, and
'warden stop' ends the session.`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runRun,
}

func init() {
	runCmd.Flags().StringP("session", "s", "", "Session id to resume (new session if omitted)")
	runCmd.Flags().StringArrayP("image", "i", nil, "Image file to attach (repeatable)")
	runCmd.Flags().Bool("json", false, "Emit raw records as JSON lines")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg)

	prompt := strings.Join(args, " ")
	imagePaths, _ := cmd.Flags().GetStringArray("image")
	images, err := readImages(imagePaths)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if cfg.Janitor.Enabled {
		j := janitor.New(st, janitor.Config{
			RawLogDir:        cfg.Runner.RawLogDir,
			Schedule:         cfg.Janitor.Schedule,
			CompressAfter:    cfg.Janitor.CompressAfter,
			DeleteAfter:      cfg.Janitor.DeleteAfter,
			MailboxRetention: cfg.Janitor.MailboxRetention,
		})
		if err := j.Start(); err != nil {
			return err
		}
		defer j.Stop()
	}

	sessionID, _ := cmd.Flags().GetString("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	spawn, err := buildSpawnSpec(cmd, cfg)
	if err != nil {
		return err
	}

	orch := session.New(runner.New(), st, session.Config{
		Spawn:              spawn,
		MailboxRoot:        cfg.Session.MailboxRoot,
		MaxOverflowRetries: cfg.Session.MaxOverflowRetries,
		RetryBackoff:       cfg.Session.RetryBackoff,
		Privileged:         cfg.Session.Privileged,
	})

	jsonOut, _ := cmd.Flags().GetBool("json")
	styles := newCLIStyles()
	if !jsonOut {
		fmt.Printf("%s %s\n", styles.Label.Render("session:"), styles.Value.Render(sessionID))
	}

	var failed bool
	var sawText bool
	emit := func(rec protocol.OutputRecord) {
		if jsonOut {
			if data, err := json.Marshal(rec); err == nil {
				fmt.Println(string(data))
			}
			if rec.Status == protocol.StatusError {
				failed = true
			}
			return
		}
		renderRecord(rec, styles, &failed, &sawText)
	}

	if err := orch.RunSession(cmd.Context(), sessionID, prompt, images, emit); err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("session %s ended with an error", sessionID)
	}
	return nil
}

// renderRecord prints one record for human consumption.
func renderRecord(rec protocol.OutputRecord, styles cliStyles, failed, sawText *bool) {
	switch rec.Status {
	case protocol.StatusStream:
		switch rec.Event {
		case protocol.EventInit:
			fmt.Println(styles.Muted.Render("[engine session " + rec.SessionHandle + "]"))
		case protocol.EventText:
			*sawText = true
			fmt.Println(rec.EventText)
		case protocol.EventThinking:
			fmt.Println(styles.Muted.Render(rec.EventText))
		case protocol.EventToolUse:
			fmt.Println(styles.Muted.Render("[tool] " + rec.EventText))
		case protocol.EventCompactWarning:
			fmt.Println(styles.Warn.Render("[context running low]"))
		case protocol.EventInterrupted:
			fmt.Println(styles.Warn.Render("[interrupted]"))
		}

	case protocol.StatusSuccess:
		// The body usually streamed already as text events.
		if !*sawText && rec.Result != "" {
			fmt.Println(rec.Result)
		}
		fmt.Println(styles.Success.Render("done"))

	case protocol.StatusClosed:
		fmt.Println(styles.Muted.Render("session closed"))

	case protocol.StatusError:
		*failed = true
		fmt.Println(styles.Error.Render("error: ") + rec.Error)
	}
}
