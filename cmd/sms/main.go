// Command sms runs the SMS (metadata server) process: the KV-backed
// registry, task, resource and placement services (components C1-C6),
// exposed over gRPC to Spearlets and the admin BFF.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lfedgeai/spear/pkg/config"
	"github.com/lfedgeai/spear/pkg/kv"
	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/metrics"
	"github.com/lfedgeai/spear/pkg/placement"
	"github.com/lfedgeai/spear/pkg/rpc"
	"github.com/lfedgeai/spear/pkg/sms"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sms",
	Short:   "SMS - SPEAR metadata server",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("sms version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to a config file (YAML/JSON/TOML, viper-detected)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	mgr, err := config.Load(configPath, "SPEAR_SMS")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Snapshot()

	ctx := context.Background()
	s, err := sms.New(ctx, sms.Config{
		KV:               kv.LoadConfigFromEnv(),
		Placement:        placement.Config{HeartbeatTimeout: cfg.Placement.HeartbeatTimeout, MaxCandidates: cfg.Placement.MaxCandidates},
		HeartbeatTimeout: cfg.Placement.HeartbeatTimeout,
	})
	if err != nil {
		return fmt.Errorf("build sms: %w", err)
	}
	s.Start()

	metrics.SetCriticalComponents("grpc")
	metrics.RegisterComponent("grpc", false, "starting")

	grpcServer := rpc.Serve(nil, cfg.AdminToken)
	s.RegisterServices(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server error: %w", err)
		}
	}()
	metrics.RegisterComponent("grpc", true, "ready")
	fmt.Printf("sms: grpc listening on %s\n", cfg.GRPCAddr)

	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			fmt.Fprintf(os.Stderr, "sms: metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("sms: metrics endpoint http://%s/metrics\n", cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("sms: shutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "sms: %v\n", err)
	}

	s.Stop()
	grpcServer.GracefulStop()

	return nil
}
