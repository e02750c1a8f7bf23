package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/starfall-game/starcore/pkg/config"
	"github.com/starfall-game/starcore/pkg/log"
	"github.com/starfall-game/starcore/pkg/metrics"
	"github.com/starfall-game/starcore/pkg/registry"
	"github.com/starfall-game/starcore/pkg/taskqueue"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "starcore",
	Short: "Starcore - Starfall client connectivity core",
	Long: `Starcore is the connectivity and session core of the Starfall game
client: one authenticated session, one persistent connection, one
network-health view, shared by everything that talks to the backend.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Starcore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "starcore.yaml", "Path to config file")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(regionsCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})
	return cfg, nil
}

func bringUp(ctx context.Context, cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New(cfg)
	if err := reg.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize core: %v", err)
	}
	return reg, nil
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the connectivity core as a long-lived process",
	Long: `Run the connectivity core with its health and metrics endpoints.

The daemon keeps the network monitor, background sync and event broker
running, and serves /healthz, /readyz and /metrics for supervisors.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reg, err := bringUp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer reg.Cleanup()

		metrics.SetVersion(Version)

		var server *http.Server
		if cfg.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", metrics.HealthHandler())
			mux.HandleFunc("/readyz", metrics.ReadyHandler())
			mux.HandleFunc("/livez", metrics.LivenessHandler())
			server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			fmt.Printf("✓ Serving health and metrics on %s\n", cfg.MetricsAddr)
		}

		fmt.Println("✓ Connectivity core running")
		fmt.Printf("  Backend: %s\n", cfg.APIBaseURL)
		fmt.Printf("  Socket:  %s\n", cfg.SocketURL)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reg, err := bringUp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer reg.Cleanup()

		// Let the initial reachability probe land.
		reg.Network.Probe(cmd.Context())

		fmt.Printf("Overall: %s\n", reg.Health())
		status := reg.Network.Status()
		fmt.Printf("  Backend reachable: %v", status.BackendReachable)
		if status.BackendReachable {
			fmt.Printf(" (%dms)", status.LatencyMS)
		}
		fmt.Println()
		fmt.Printf("  Authenticated:     %v\n", reg.Auth.Connected())
		fmt.Printf("  Socket:            %v\n", reg.Socket.IsConnected())
		if reg.Sync != nil {
			fmt.Printf("  Sync:              %s (%d pending)\n", reg.Sync.CurrentState(), reg.Sync.Pending())
		}
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		if username == "" || password == "" {
			return fmt.Errorf("--username and --password are required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reg, err := bringUp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer reg.Cleanup()

		if !reg.Auth.Login(cmd.Context(), username, password) {
			return fmt.Errorf("login failed")
		}

		session := reg.Auth.Session()
		fmt.Printf("✓ Logged in as %s\n", session.User.Username)
		if session.Empire != nil {
			fmt.Printf("  Empire: %s (%d credits)\n", session.Empire.Name, session.Empire.Resources.Credits)
		}

		reg.Socket.Connect()
		deadline := time.Now().Add(5 * time.Second)
		for !reg.Socket.IsConnected() && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
		if reg.Socket.IsConnected() {
			fmt.Printf("  Connected: %s\n", reg.Socket.ConnectionID())
		}
		return nil
	},
}

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "Fetch region summaries around a coordinate",
	Long: `Fetch region summaries through the rate-limited queue.

Requests are deduplicated by region coordinate and paced so a burst of
lookups cannot overwhelm the backend; 429 responses back the queue off
with max(Retry-After, exponential).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		x, _ := cmd.Flags().GetInt("x")
		y, _ := cmd.Flags().GetInt("y")
		radius, _ := cmd.Flags().GetInt("radius")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reg, err := bringUp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer reg.Cleanup()

		queue := taskqueue.New(taskqueue.Options{}, func(key string, data json.RawMessage) {
			if data == nil {
				fmt.Printf("  %s: unavailable\n", key)
				return
			}
			fmt.Printf("  %s: %s\n", key, data)
		})
		defer queue.Stop()

		fmt.Printf("Fetching regions around (%d,%d) radius %d\n", x, y, radius)
		for dx := -radius; dx <= radius; dx++ {
			for dy := -radius; dy <= radius; dy++ {
				rx, ry := x+dx, y+dy
				key := fmt.Sprintf("region:%d:%d", rx, ry)
				path := fmt.Sprintf("/regions/summary?x=%d&y=%d", rx, ry)
				// The center region loads first.
				priority := dx == 0 && dy == 0
				queue.Enqueue(key, priority, func(ctx context.Context) (json.RawMessage, error) {
					return reg.Client.Get(ctx, path)
				})
			}
		}

		waitCtx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		return queue.Wait(waitCtx)
	},
}

func init() {
	loginCmd.Flags().String("username", "", "Account username")
	loginCmd.Flags().String("password", "", "Account password")

	regionsCmd.Flags().Int("x", 0, "Center region X")
	regionsCmd.Flags().Int("y", 0, "Center region Y")
	regionsCmd.Flags().Int("radius", 1, "Radius in regions")
}
