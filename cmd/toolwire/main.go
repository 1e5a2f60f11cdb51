// Command toolwire is a small operator CLI over the connection manager:
// list configured servers, call a tool, or probe health.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolwire/toolwire/logx"
	"github.com/toolwire/toolwire/manager"
)

var (
	configPath string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:           "toolwire",
		Short:         "Manage and invoke tool servers over stdio JSON-RPC",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "toolwire.yaml", "path to the server config file (json or yaml)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(listCmd(), callCmd(), healthCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newManager() (*manager.Manager, error) {
	configs, err := manager.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	m := manager.New(manager.WithLogger(logx.NewLogger(os.Stderr, debug)))
	if err := m.RegisterFromConfig(configs, nil); err != nil {
		return nil, err
	}
	return m, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func listCmd() *cobra.Command {
	var showTools bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			defer m.Shutdown(context.Background())

			for _, id := range m.ListServers() {
				cfg, _ := m.GetConfig(id)
				fmt.Printf("%s\t%s\t%s\n", id, cfg.Name, cfg.Command)
				if !showTools {
					continue
				}
				tools, err := m.Capabilities(ctx, id)
				if err != nil {
					fmt.Printf("\t(capabilities unavailable: %v)\n", err)
					continue
				}
				for _, tool := range tools {
					fmt.Printf("\t%s\t%s\n", tool.Name, tool.Description)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showTools, "tools", false, "connect to each server and list its tools")
	return cmd
}

func callCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <server> <tool> [json-args]",
		Short: "Invoke a tool on a server",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			serverID, tool := args[0], args[1]
			params := map[string]interface{}{}
			if len(args) == 3 {
				if err := json.Unmarshal([]byte(args[2]), &params); err != nil {
					return fmt.Errorf("invalid json arguments: %w", err)
				}
			}

			m, err := newManager()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			defer m.Shutdown(context.Background())

			result, err := m.Execute(ctx, serverID, tool, params, timeout)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-attempt timeout")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health [server]",
		Short: "Probe health of one or all servers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			defer m.Shutdown(context.Background())

			ids := m.ListServers()
			if len(args) == 1 {
				ids = args[:1]
			}
			for _, id := range ids {
				rec, err := m.CheckHealth(ctx, id)
				if err != nil {
					return err
				}
				line := fmt.Sprintf("%s\t%s\t%v", rec.ServerID, rec.Status, rec.ResponseTime)
				if rec.Error != "" {
					line += "\t" + rec.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
