package commands

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcus/warden/internal/runner"
	"github.com/marcus/warden/internal/store"
)

type checkStatus string

const (
	statusOK   checkStatus = "OK"
	statusWarn checkStatus = "WARN"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	name   string
	status checkStatus
	detail string
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check warden configuration and environment",
	Long: `Run diagnostics to detect configuration and environment issues.

Checks config, the engine CLI, the session registry, mailbox and log
directories, and the sandbox runtime when the sandbox backend is selected.`,
	SilenceUsage: true,
	RunE:         runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	results := make([]checkResult, 0)
	hasFail := false

	add := func(name string, status checkStatus, detail string) {
		if status == statusFail {
			hasFail = true
		}
		results = append(results, checkResult{name: name, status: status, detail: detail})
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		add("config", statusFail, err.Error())
		printDoctorResults(results)
		return fmt.Errorf("config load failed")
	}
	add("config", statusOK, "loaded")

	if path, err := exec.LookPath(cfg.Engine.Binary); err != nil {
		add("engine.cli", statusFail, fmt.Sprintf("%s not found in PATH", cfg.Engine.Binary))
	} else {
		add("engine.cli", statusOK, path)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		add("store", statusFail, err.Error())
	} else {
		add("store", statusOK, cfg.Store.Path)
		_ = st.Close()
	}

	checkWritableDir("mailboxes", cfg.Session.MailboxRoot, add)
	checkWritableDir("raw_logs", cfg.Runner.RawLogDir, add)
	checkWritableDir("logs", cfg.Logging.Path, add)

	switch runner.Backend(cfg.Runner.Backend) {
	case runner.BackendSandbox:
		if path, err := exec.LookPath(cfg.Runner.SandboxRuntime); err != nil {
			add("sandbox.runtime", statusFail, fmt.Sprintf("%s not found in PATH", cfg.Runner.SandboxRuntime))
		} else {
			add("sandbox.runtime", statusOK, path)
		}
		if cfg.Runner.SandboxImage == "" {
			add("sandbox.image", statusFail, "runner.sandbox_image not set")
		} else {
			add("sandbox.image", statusOK, cfg.Runner.SandboxImage)
		}
	case runner.BackendHost:
		add("backend", statusOK, "host")
	default:
		add("backend", statusFail, fmt.Sprintf("unknown backend %q", cfg.Runner.Backend))
	}

	printDoctorResults(results)

	if hasFail {
		return fmt.Errorf("doctor found failures")
	}
	return nil
}

func checkWritableDir(name, dir string, add func(string, checkStatus, string)) {
	if dir == "" {
		add(name, statusWarn, "not configured")
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		add(name, statusFail, err.Error())
		return
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, nil, 0644); err != nil {
		add(name, statusFail, fmt.Sprintf("not writable: %v", err))
		return
	}
	_ = os.Remove(probe)
	add(name, statusOK, dir)
}

func printDoctorResults(results []checkResult) {
	styles := newCLIStyles()
	for _, r := range results {
		var status string
		switch r.status {
		case statusOK:
			status = styles.Success.Render(string(r.status))
		case statusWarn:
			status = styles.Warn.Render(string(r.status))
		case statusFail:
			status = styles.Error.Render(string(r.status))
		}
		fmt.Printf("%-18s %-6s %s\n", r.name, status, styles.Muted.Render(r.detail))
	}
}
