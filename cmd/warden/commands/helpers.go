package commands

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/warden/internal/config"
	"github.com/marcus/warden/internal/mailbox"
	"github.com/marcus/warden/internal/protocol"
	"github.com/marcus/warden/internal/runner"
	"github.com/marcus/warden/internal/store"
)

// buildSpawnSpec derives the worker launch template from config. Host workers
// re-exec the current binary; sandboxed workers expect the image to carry a
// warden binary on its PATH.
func buildSpawnSpec(cmd *cobra.Command, cfg *config.Config) (runner.SpawnSpec, error) {
	spec := runner.SpawnSpec{
		Backend:         runner.Backend(cfg.Runner.Backend),
		SandboxRuntime:  cfg.Runner.SandboxRuntime,
		SandboxImage:    cfg.Runner.SandboxImage,
		WorkDir:         cfg.Worker.WorkDir,
		ProgressTimeout: cfg.Runner.ProgressTimeout,
		GracePeriod:     cfg.Runner.GracePeriod,
		RawLogDir:       cfg.Runner.RawLogDir,
	}

	switch spec.Backend {
	case runner.BackendSandbox:
		if spec.SandboxImage == "" {
			return runner.SpawnSpec{}, fmt.Errorf("runner.sandbox_image must be set for the sandbox backend")
		}
		spec.WorkerArgs = []string{"warden", "worker"}
	case runner.BackendHost:
		self, err := os.Executable()
		if err != nil {
			return runner.SpawnSpec{}, fmt.Errorf("locating warden binary: %w", err)
		}
		spec.WorkerBinary = self
		spec.WorkerArgs = []string{"worker"}
	default:
		return runner.SpawnSpec{}, fmt.Errorf("unknown backend %q (host or sandbox)", cfg.Runner.Backend)
	}

	// The worker loads the same config the host did.
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		spec.Env = append(spec.Env, "WARDEN_CONFIG="+path)
	}
	return spec, nil
}

// readImages loads image attachments from disk.
func readImages(paths []string) ([]protocol.Image, error) {
	var images []protocol.Image
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading image %s: %w", path, err)
		}
		mediaType, err := imageMediaType(path)
		if err != nil {
			return nil, err
		}
		images = append(images, protocol.Image{
			MediaType: mediaType,
			Data:      base64.StdEncoding.EncodeToString(data),
		})
	}
	return images, nil
}

func imageMediaType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png", nil
	case ".jpg", ".jpeg":
		return "image/jpeg", nil
	case ".gif":
		return "image/gif", nil
	default:
		return "", fmt.Errorf("unsupported image type %s (png, jpeg, gif)", path)
	}
}

// sessionMailbox resolves a session id to its mailbox via the registry.
func sessionMailbox(cfg *config.Config, sessionID string) (*mailbox.Mailbox, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()

	sess, err := st.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return mailbox.Open(sess.MailboxDir)
}
