// Command spearlet runs the Spearlet (node agent) process: the runtime
// manager, instance scheduler and task execution manager (components
// C7-C10), registering with and reporting resource usage back to an SMS.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lfedgeai/spear/pkg/config"
	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/metrics"
	"github.com/lfedgeai/spear/pkg/rpc"
	"github.com/lfedgeai/spear/pkg/spearlet"
	"github.com/lfedgeai/spear/pkg/tem"
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
	Use:     "spearlet",
	Short:   "Spearlet - SPEAR node agent",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("spearlet version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to a config file (YAML/JSON/TOML, viper-detected)")
	rootCmd.Flags().String("disk-path", "/", "Filesystem path to report disk usage for")
	rootCmd.Flags().String("ip", "127.0.0.1", "IP this node advertises to SMS")
	rootCmd.Flags().String("containerd-socket", "", "containerd socket path; enables the container runtime when set")

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
	diskPath, _ := cmd.Flags().GetString("disk-path")
	ip, _ := cmd.Flags().GetString("ip")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")

	mgr, err := config.Load(configPath, "SPEAR_SPEARLET")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Snapshot()

	nodeUUID := cfg.NodeUUID
	if nodeUUID == "" {
		nodeUUID = uuid.NewString()
	}

	_, port, err := parseHostPort(cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("parse grpc_addr %q: %w", cfg.GRPCAddr, err)
	}

	ctx := context.Background()
	sl, err := spearlet.New(ctx, spearlet.Config{
		NodeUUID:       nodeUUID,
		IP:             ip,
		Port:           port,
		SMSAddr:          cfg.SMSAddr,
		HeartbeatEvery:   cfg.HeartbeatEvery,
		DiskPath:         diskPath,
		ContainerdSocket: containerdSocket,
		TEM: tem.Config{
			MaxConcurrentExecutions:   cfg.TEM.MaxConcurrentExecutions,
			MaxArtifacts:              cfg.TEM.MaxArtifacts,
			MaxTasksPerArtifact:       cfg.TEM.MaxTasksPerArtifact,
			MaxInstancesPerTask:       cfg.TEM.MaxInstancesPerTask,
			InstanceCreationTimeoutMS: cfg.TEM.InstanceCreationTimeout.Milliseconds(),
			HealthCheckInterval:       cfg.TEM.HealthCheckInterval,
			MetricsInterval:           cfg.TEM.MetricsInterval,
			CleanupInterval:           cfg.TEM.CleanupInterval,
			InstanceIdleTimeout:       cfg.TEM.InstanceIdleTimeout,
			TaskIdleTimeout:           cfg.TEM.TaskIdleTimeout,
			ArtifactIdleTimeout:       cfg.TEM.ArtifactIdleTimeout,
		},
	})
	if err != nil {
		return fmt.Errorf("build spearlet: %w", err)
	}

	if err := sl.Start(ctx); err != nil {
		return fmt.Errorf("start spearlet: %w", err)
	}

	metrics.SetCriticalComponents("grpc", "sms")
	metrics.RegisterComponent("sms", true, "registered")
	metrics.RegisterComponent("grpc", false, "starting")

	grpcServer := rpc.Serve(nil, "")
	sl.RegisterServices(grpcServer)

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
	fmt.Printf("spearlet: node %s grpc listening on %s\n", nodeUUID, cfg.GRPCAddr)

	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			fmt.Fprintf(os.Stderr, "spearlet: metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("spearlet: metrics endpoint http://%s/metrics\n", cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("spearlet: shutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "spearlet: %v\n", err)
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sl.Stop(shutdownCtx)
	grpcServer.GracefulStop()

	return nil
}

func parseHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}
