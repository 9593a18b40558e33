// Command dlm is the download manager's entrypoint: `dlm serve` runs the
// persistent engine plus the loopback Control Server (and, with --mcp, a JSON-RPC
// stdio bridge for tool-calling agents); every other subcommand is a thin HTTP
// client that talks to an already-running `serve` instance. Grounded on the
// teacher's main.go wiring order (logger -> storage -> engine -> config ->
// audit -> control server), stripped of the Wails/systray GUI shell since this
// module targets a headless daemon instead of a desktop app.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"dlm-go/internal/analytics"
	"dlm-go/internal/api"
	"dlm-go/internal/config"
	"dlm-go/internal/engine"
	"dlm-go/internal/logger"
	"dlm-go/internal/network"
	"dlm-go/internal/security"
	"dlm-go/internal/storage"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "dlm",
		Short: "A resumable, multi-connection download manager",
	}

	root.AddCommand(
		newServeCmd(),
		newAddCmd(),
		newControlCmd("start", "admit a queued, paused, or failed task immediately"),
		newControlCmd("pause", "pause a running or queued task"),
		newControlCmd("resume", "resume a paused or failed task"),
		newControlCmd("retry", "discard progress and re-queue a task"),
		newControlCmd("delete", "remove a task"),
		newStatusCmd(),
		newShutdownCmd(),
		newSpeedTestCmd(),
		newAnalyticsCmd(),
		newConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var mcpMode bool
	var dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the download engine and Control Server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			logOutput := io.Writer(os.Stdout)
			if mcpMode {
				logOutput = os.Stderr // keep stdout clean for JSON-RPC framing
			}

			log, _, err := logger.New(logOutput)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}

			if dataDir == "" {
				dataDir, err = os.UserConfigDir()
				if err != nil {
					dataDir = "."
				}
				dataDir = dataDir + "/dlm"
			}

			store, err := storage.NewStorage(dataDir)
			if err != nil {
				log.Error("failed to initialize storage", "error", err)
				return err
			}
			defer store.Close()

			cfg := config.NewConfigManager(store)
			audit := security.NewAuditLogger(log)
			defer audit.Close()

			mgr := engine.NewManager(log, store, cfg, dataDir)

			controlServer := api.NewControlServer(mgr, cfg, audit)
			controlServer.Start(cfg.GetAIPort())

			if mcpMode {
				mcpServer := api.NewMCPServer(mgr)
				mcpServer.Start() // blocks on stdin
				return nil
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			log.Info("dlm serving", "port", cfg.GetAIPort(), "data_dir", dataDir)
			<-sigCh
			log.Info("shutdown signal received")
			return mgr.Shutdown()
		},
	}

	cmd.Flags().BoolVar(&mcpMode, "mcp", false, "serve the Model Context Protocol stdio bridge instead of blocking on signals")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for the database and download workspaces (default: OS config dir)")
	return cmd
}

func newAddCmd() *cobra.Command {
	var output, filename string
	var priority int

	cmd := &cobra.Command{
		Use:   "add [url]",
		Short: "queue a new download on the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.EnqueueResponse
			err := callControlServer(http.MethodPost, "/v1/queue", api.EnqueueRequest{
				URL: args[0], Path: output, Filename: filename, Priority: priority,
			}, &resp)
			if err != nil {
				return err
			}
			fmt.Println(resp.TaskID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "destination directory")
	cmd.Flags().StringVarP(&filename, "filename", "f", "", "override the target filename")
	cmd.Flags().IntVarP(&priority, "priority", "p", 1, "0=low, 1=normal, 2=high")
	return cmd
}

func newControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [task-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callControlServer(http.MethodPost, "/v1/tasks/"+args[0]+"/control", api.ControlRequest{Action: action}, nil)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "print a task's current row as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var row storage.DownloadTask
			if err := callControlServer(http.MethodGet, "/v1/tasks/"+args[0], nil, &row); err != nil {
				return err
			}
			b, _ := json.MarshalIndent(row, "", "  ")
			fmt.Println(string(b))
			return nil
		},
	}
}

func newShutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "gracefully drain in-flight tasks on the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callControlServer(http.MethodPost, "/v1/shutdown", nil, nil)
		},
	}
}

func newSpeedTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "speedtest",
		Short: "measure current link throughput against the nearest server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var result network.SpeedTestResult
			if err := callControlServer(http.MethodPost, "/v1/speedtest", nil, &result); err != nil {
				return err
			}
			b, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(b))
			return nil
		},
	}
}

func newAnalyticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analytics",
		Short: "print lifetime transfer totals, daily history, and disk usage as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data analytics.AnalyticsData
			if err := callControlServer(http.MethodGet, "/v1/analytics", nil, &data); err != nil {
				return err
			}
			b, _ := json.MarshalIndent(data, "", "  ")
			fmt.Println(string(b))
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "config",
		Short: "view or change operator-tunable settings on the running daemon",
	}

	root.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "print current settings as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var s api.Settings
			if err := callControlServer(http.MethodGet, "/v1/settings", nil, &s); err != nil {
				return err
			}
			b, _ := json.MarshalIndent(s, "", "  ")
			fmt.Println(string(b))
			return nil
		},
	})

	var port, maxConcurrent int
	var enableAI, enableIntegrityCheck bool
	var userAgent string
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "overwrite every setting with the given values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callControlServer(http.MethodPut, "/v1/settings", api.Settings{
				AIPort: port, AIMaxConcurrent: maxConcurrent,
				EnableAI: enableAI, EnableIntegrityCheck: enableIntegrityCheck,
				UserAgent: userAgent,
			}, nil)
		},
	}
	setCmd.Flags().IntVar(&port, "port", 4444, "Control Server port")
	setCmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 5, "global concurrent task admission limit")
	setCmd.Flags().BoolVar(&enableAI, "enable-ai", true, "enable the Control Server's HTTP surface")
	setCmd.Flags().BoolVar(&enableIntegrityCheck, "enable-integrity-check", true, "compute an informational content digest at finalization")
	setCmd.Flags().StringVar(&userAgent, "user-agent", "", "default User-Agent for requests that don't set their own")
	root.AddCommand(setCmd)

	root.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "restore every setting to its default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callControlServer(http.MethodPost, "/v1/settings/reset", nil, nil)
		},
	})

	return root
}

// callControlServer reads the AI port and token directly from the shared
// storage file (no engine/dispatch loop is started) and issues one request
// against an already-running `dlm serve` instance.
func callControlServer(method, path string, body, out interface{}) error {
	dataDir, err := os.UserConfigDir()
	if err != nil {
		dataDir = "."
	}
	dataDir = dataDir + "/dlm"

	store, err := storage.NewStorage(dataDir)
	if err != nil {
		return fmt.Errorf("is `dlm serve` running? could not open storage: %w", err)
	}
	defer store.Close()
	cfg := config.NewConfigManager(store)

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", cfg.GetAIPort(), path)
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dlm-Token", cfg.GetAIToken())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("is `dlm serve` running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
