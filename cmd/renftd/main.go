// Package main provides the entry point for the renft marketplace server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/renftlabs/renft-server/internal/audit"
	"github.com/renftlabs/renft-server/internal/config"
	"github.com/renftlabs/renft-server/internal/server"
)

var log = logging.Logger("renftd")

var rootCmd = &cobra.Command{
	Use:   "renftd",
	Short: "renftd - rental marketplace engine",
	Long: `renftd runs the rental marketplace engine: marketplace registry,
DAO whitelist, listing/escrow/rental state machine and fee settlement,
served over a synchronous HTTP/JSON interface.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the marketplace daemon",
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize renftd configuration",
	Long:  `Write the default configuration and create the data directories.`,
	RunE:  runInit,
}

var verifyAuditCmd = &cobra.Command{
	Use:   "verify-audit",
	Short: "Verify the integrity of the transition audit trail",
	RunE:  runVerifyAudit,
}

var (
	configPath string
	listenAddr string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(verifyAuditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infof("Received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	cfg := config.Default()
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.Path, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	fmt.Printf("Initialized renftd configuration at %s\n", path)
	fmt.Printf("Data directory: %s\n", cfg.Storage.Path)
	return nil
}

func runVerifyAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	trail, err := audit.NewTrail(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open audit trail: %w", err)
	}
	defer trail.Close()

	if err := trail.Verify(); err != nil {
		return err
	}
	fmt.Println("Audit trail verified: chain intact")
	return nil
}
