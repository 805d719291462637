package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/sandboxd/sandboxd/pkg/auth"
	"github.com/sandboxd/sandboxd/pkg/circuitbreaker"
	"github.com/sandboxd/sandboxd/pkg/config"
	"github.com/sandboxd/sandboxd/pkg/coordinator"
	"github.com/sandboxd/sandboxd/pkg/environment"
	"github.com/sandboxd/sandboxd/pkg/log"
	"github.com/sandboxd/sandboxd/pkg/metrics"
	"github.com/sandboxd/sandboxd/pkg/provisioner"
	"github.com/sandboxd/sandboxd/pkg/ratelimit"
	"github.com/sandboxd/sandboxd/pkg/server"
	"github.com/sandboxd/sandboxd/pkg/store"
	"github.com/sandboxd/sandboxd/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sandboxd",
	Short:   "sandboxd grants browser clients interactive shells in hardened, ephemeral containers",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("sandboxd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("catalog", "", "Path to a YAML environment catalog overlay")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin HTTP surface and the WebSocket terminal bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalogPath, _ := rootCmd.PersistentFlags().GetString("catalog")
		cfg := config.Load()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger := log.WithComponent("main")
		metrics.SetVersion(Version)
		metrics.RegisterComponent("containerd", false, "initializing")
		metrics.RegisterComponent("server", false, "initializing")

		registry, err := environment.New(catalogPath)
		if err != nil {
			return fmt.Errorf("failed to build environment registry: %w", err)
		}

		prov, err := provisioner.New(cfg.ContainerdSocket, cfg.ContainerdNamespace, cfg.UseGVisor, cfg.GVisorRuntime)
		if err != nil {
			return fmt.Errorf("failed to connect to containerd: %w", err)
		}
		defer prov.Close()
		metrics.RegisterComponent("containerd", true, "ready")

		if cfg.UseGVisor {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok := prov.ProbeGVisor(ctx)
			cancel()
			if !ok {
				logger.Warn().Msg("gVisor runtime probe failed; provisioning under the default runtime")
			}
		}

		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 30*time.Second)
		removed := prov.CleanupOrphaned(cleanupCtx)
		cleanupCancel()
		logger.Info().Int("removed", removed).Msg("startup orphan cleanup complete")

		st := store.New()
		limiter := ratelimit.New(cfg.TierLimits)
		limiter.Start()
		defer limiter.Stop()

		breaker := circuitbreaker.New(st, cfg.CircuitMaxContainers, cfg.CircuitMaxMemoryPercent, cfg.DevMode)

		coord := coordinator.New(registry, limiter, breaker, prov, st)

		reaper := store.NewReaper(st, func(sess types.Session) {
			reapCtx, reapCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer reapCancel()
			coord.Reap(reapCtx, sess)
		})
		reaper.Start()
		defer reaper.Stop()

		collector := metrics.NewCollector(st, limiter, breaker)
		collector.Start()
		defer collector.Stop()

		var verifier auth.Verifier
		if cfg.JWTSecret == "" {
			logger.Warn().Msg("SANDBOX_JWT_SECRET unset; all credentialed attach attempts will fail verification")
			verifier = auth.NewJWTVerifier(func(t *jwt.Token) (interface{}, error) {
				return nil, fmt.Errorf("no JWT secret configured")
			})
		} else {
			secret := []byte(cfg.JWTSecret)
			verifier = auth.NewJWTVerifier(func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			})
		}

		srv := server.New(server.Config{
			ListenAddr:     cfg.ListenAddr,
			AllowedOrigins: cfg.AllowedOrigins,
		}, coord, prov, verifier)
		metrics.RegisterComponent("server", true, "ready")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info().Str("addr", cfg.ListenAddr).Msg("sandboxd serving")
		if err := srv.ListenAndServe(ctx); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove any orphaned sandbox containers and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		prov, err := provisioner.New(cfg.ContainerdSocket, cfg.ContainerdNamespace, cfg.UseGVisor, cfg.GVisorRuntime)
		if err != nil {
			return fmt.Errorf("failed to connect to containerd: %w", err)
		}
		defer prov.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		removed := prov.CleanupOrphaned(ctx)
		fmt.Printf("removed %d orphaned container(s)\n", removed)
		return nil
	},
}
