package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gg-glitch-88/desklink/internal/agent"
	"github.com/gg-glitch-88/desklink/internal/api"
	"github.com/gg-glitch-88/desklink/internal/config"
	"github.com/gg-glitch-88/desklink/internal/logging"
)

const defaultAddr = "127.0.0.1:8765"

var (
	cfgFile string
	apiAddr string
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "desklink",
		Short:        "desklink links this phone to a desktop controller",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiAddr, "addr", defaultAddr, "control API address of a running agent")

	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(connectCmd())
	root.AddCommand(disconnectCmd())
	return root
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			log, err := logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			a, err := agent.New(cfg, log)
			if err != nil {
				log.Error("agent init failed", zap.Error(err))
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runErr := a.Start(ctx)
			if err := a.Close(); err != nil {
				log.Warn("shutdown", zap.Error(err))
			}
			if runErr != nil {
				log.Error("agent stopped", zap.Error(runErr))
				return runErr
			}
			log.Info("agent stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (.yaml or .toml)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the link state of a running agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st api.Status
			if err := call(cmd.Context(), http.MethodGet, "/api/v1/status", nil, &st); err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "connect <network|radio>",
		Short:     "Switch a running agent to a transport",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"network", "radio"},
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"type": args[0]}
			if err := call(cmd.Context(), http.MethodPost, "/api/v1/connect", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connecting over %s\n", args[0])
			return nil
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Drop the active link of a running agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd.Context(), http.MethodPost, "/api/v1/disconnect", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
			return nil
		},
	}
}

func printStatus(w io.Writer, st api.Status) error {
	line := fmt.Sprintf("%s via %s", st.Phase, st.Active)
	if st.Peer != "" {
		line += " to " + st.Peer
	}
	if st.Message != "" {
		line += ": " + st.Message
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

var client = &http.Client{Timeout: 10 * time.Second}

// call sends body as JSON and decodes a JSON reply into out when non-nil.
func call(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = strings.NewReader(string(raw))
	}
	base := apiAddr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable at %s: %w", apiAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
