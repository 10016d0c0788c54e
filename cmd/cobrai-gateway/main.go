// ABOUTME: Entry point for cobrai-gateway, the chat assistant server
// ABOUTME: Serves the WhatsApp webhook and Matrix sync, plus admin subcommands

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/cobrai-gateway/internal/config"
	"github.com/2389/cobrai-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                   _
  ___ ___ | |__  _ __ __ _(_)       __ _  __ _| |_ _____      ____ _ _   _
 / __/ _ \| '_ \| '__/ _' | |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| (_) | |_) | | | (_| | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___\___/|_.__/|_|  \__,_|_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                   |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: COBRAI_CONFIG env var > XDG_CONFIG_HOME/cobrai/gateway.yaml > ~/.config/cobrai/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COBRAI_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "cobrai", "gateway.yaml")
}

// getDataPath returns the path to the cobrai data directory.
// Priority: XDG_DATA_HOME/cobrai > ~/.local/share/cobrai
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "cobrai")
}

// getTokenPath is where `token --save` writes and `reset` reads a bearer token.
func getTokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "token")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: cobrai-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  token [flags]          Mint an admin API token (--subject, --role, --ttl, --save)")
		fmt.Println("  reset                  Clear every session on a running gateway")
		fmt.Println("  health                 Check gateway health")
		fmt.Println("  ready                  Check gateway readiness")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "reset":
		err = runReset(ctx)
	case "health":
		err = runHealthCheck(ctx, "/health")
	case "ready":
		err = runHealthCheck(ctx, "/health/ready")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s\n", cfg.Model.Model)
	green.Print("    ▶ ")
	fmt.Printf("Channels:  %s\n", strings.Join(enabledChannels(cfg), ", "))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Sessions.ResetSchedule != "" {
		green.Print("    ▶ ")
		fmt.Printf("Reset:     %s\n", cfg.Sessions.ResetSchedule)
	}

	fmt.Println()

	logger.Info("starting cobrai-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"model", cfg.Model.Model,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func enabledChannels(cfg *config.Config) []string {
	var out []string
	if cfg.WhatsApp.Enabled {
		out = append(out, "whatsapp")
	}
	if cfg.Matrix.Enabled {
		out = append(out, "matrix")
	}
	return out
}

// runHealthCheck calls a health endpoint on the configured HTTP address.
func runHealthCheck(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// runReset asks a running gateway to clear every session.
func runReset(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(cfg)+"/api/admin/reset", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token := loadToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if cfg.Auth.JWTSecret != "" {
		return fmt.Errorf("auth is enabled: set COBRAI_TOKEN or run `cobrai-gateway token --role admin --save`")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("reset request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reset failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// baseURL returns the local URL of the HTTP server.
func baseURL(cfg *config.Config) string {
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// loadToken reads COBRAI_TOKEN, falling back to the saved token file.
func loadToken() string {
	if t := os.Getenv("COBRAI_TOKEN"); t != "" {
		return t
	}
	data, err := os.ReadFile(getTokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
