package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/warden/internal/engine"
	"github.com/marcus/warden/internal/logging"
	"github.com/marcus/warden/internal/mailbox"
	"github.com/marcus/warden/internal/protocol"
	"github.com/marcus/warden/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the worker session loop (launched by warden itself)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().String("mailbox", "", "Mailbox directory for this session")
	rootCmd.AddCommand(workerCmd)
}

// runWorker is the worker process entry point. It reads one RunInput blob
// from stdin, then drives engine conversations until the session ends,
// reporting the outcome through reserved exit codes. Stdout carries only
// framed records; all logging goes to stderr or files.
func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg)
	log := logging.Component("worker-main")

	mailboxDir, _ := cmd.Flags().GetString("mailbox")
	if mailboxDir == "" {
		return fmt.Errorf("--mailbox is required")
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	var input protocol.RunInput
	if err := json.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("parsing input: %w", err)
	}

	box, err := mailbox.Open(mailboxDir)
	if err != nil {
		return err
	}

	eng := engine.NewCLIClient(cfg.Engine.Binary, engine.WithArgs(cfg.Engine.Args...))
	loop := worker.New(eng, box,
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithMaxImageDim(cfg.Engine.MaxImageDim),
		worker.WithWorkDir(cfg.Worker.WorkDir),
	)

	for {
		runCtx, cancel := context.WithCancel(cmd.Context())
		outcome, err := loop.Run(runCtx, input)
		cancel()
		if err != nil {
			log.Err(err).Msg("session loop failed")
			os.Exit(1)
		}
		log.InfoCtx("conversation ended", map[string]any{"outcome": outcome.String()})

		switch outcome {
		case worker.OutcomeClean, worker.OutcomeClosed:
			os.Exit(protocol.ExitClean)
		case worker.OutcomeOverflowed:
			os.Exit(protocol.ExitOverflow)
		case worker.OutcomeUnrecoverable:
			os.Exit(protocol.ExitUnrecoverable)
		case worker.OutcomeInterrupted:
			// The session survives an interrupt: hold the process and wait
			// for the mailbox to produce the next move.
			msg, closed, err := awaitResume(cmd.Context(), box)
			if err != nil {
				log.Err(err).Msg("waiting for mailbox after interrupt")
				os.Exit(1)
			}
			if closed {
				emitClosed(loop)
				os.Exit(protocol.ExitClean)
			}
			input = protocol.RunInput{
				Prompt:        msg.Text,
				Images:        msg.Images,
				SessionHandle: loop.Handle(),
				ResumeCursor:  loop.Cursor(),
				ToolPolicy:    input.ToolPolicy,
			}
		}
	}
}

// awaitResume blocks on the mailbox until a message or close sentinel
// arrives. Redundant interrupts while already idle are absorbed. Heartbeat
// frames keep flowing so the host watchdog knows the idle worker is alive.
func awaitResume(ctx context.Context, box *mailbox.Mailbox) (protocol.MailboxMessage, bool, error) {
	w, err := mailbox.NewWatcher(box)
	if err != nil {
		return protocol.MailboxMessage{}, false, err
	}
	defer func() { _ = w.Close() }()

	stopBeats := make(chan struct{})
	defer close(stopBeats)
	go func() {
		tick := time.NewTicker(worker.DefaultHeartbeatInterval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				emitFrame(protocol.OutputRecord{
					Status: protocol.StatusStream,
					Event:  protocol.EventHeartbeat,
				})
			case <-stopBeats:
				return
			}
		}
	}()

	for {
		res, err := w.Await(ctx)
		if err != nil {
			return protocol.MailboxMessage{}, false, err
		}
		switch {
		case res.Closed:
			return protocol.MailboxMessage{}, true, nil
		case len(res.Messages) > 0:
			return mailbox.Merge(res.Messages), false, nil
		}
	}
}

// emitClosed writes the terminal closed record for a close that arrived
// between conversations.
func emitClosed(loop *worker.Loop) {
	emitFrame(protocol.OutputRecord{
		Status:        protocol.StatusClosed,
		SessionHandle: loop.Handle(),
		ResumeCursor:  loop.Cursor(),
	})
}

func emitFrame(rec protocol.OutputRecord) {
	data, err := protocol.EncodeFrame(rec)
	if err != nil {
		return
	}
	_, _ = os.Stdout.Write(data)
}
