package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/warden/internal/protocol"
)

var sendCmd = &cobra.Command{
	Use:   "send <session-id> [text]",
	Short: "Queue a message for a running session",
	Long: `Queue a follow-up message in a session's mailbox.

The running worker picks it up on its next poll and feeds it into the live
conversation. Multiple queued messages are merged into one turn.`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runSend,
}

var interruptCmd = &cobra.Command{
	Use:   "interrupt <session-id>",
	Short: "Cancel a session's in-flight turn",
	Long: `Set the interrupt sentinel for a session.

The worker cancels whatever the engine is doing and waits for the next
message. The session stays resumable.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runInterrupt,
}

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "End a session",
	Long: `Set the close sentinel for a session.

The worker emits its terminal record and exits cleanly. Close takes
precedence over any queued messages.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runStop,
}

func init() {
	sendCmd.Flags().StringArrayP("image", "i", nil, "Image file to attach (repeatable)")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(interruptCmd)
	rootCmd.AddCommand(stopCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	text := strings.Join(args[1:], " ")
	imagePaths, _ := cmd.Flags().GetStringArray("image")
	images, err := readImages(imagePaths)
	if err != nil {
		return err
	}
	if text == "" && len(images) == 0 {
		return fmt.Errorf("nothing to send: provide text, --image, or both")
	}

	box, err := sessionMailbox(cfg, args[0])
	if err != nil {
		return err
	}
	if err := box.Post(protocol.MailboxMessage{Text: text, Images: images}); err != nil {
		return err
	}

	styles := newCLIStyles()
	fmt.Println(styles.Success.Render("queued"))
	return nil
}

func runInterrupt(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	box, err := sessionMailbox(cfg, args[0])
	if err != nil {
		return err
	}
	if err := box.SignalInterrupt(); err != nil {
		return err
	}
	styles := newCLIStyles()
	fmt.Println(styles.Warn.Render("interrupt signaled"))
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	box, err := sessionMailbox(cfg, args[0])
	if err != nil {
		return err
	}
	if err := box.SignalClose(); err != nil {
		return err
	}
	styles := newCLIStyles()
	fmt.Println(styles.Warn.Render("close signaled"))
	return nil
}
