// ABOUTME: Entry point for the hearth-gateway chat server
// ABOUTME: Subcommands for serving, health checks, company provisioning, and agent tokens

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/config"
	"github.com/2389/hearth/internal/gateway"
	"github.com/2389/hearth/internal/store"
)

// Version is set at build time.
var version = "dev"

// getConfigPath returns the path to the gateway config file.
// Priority: HEARTH_CONFIG env var > XDG_CONFIG_HOME/hearth/gateway.yaml > ~/.config/hearth/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HEARTH_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "hearth", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hearth-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                   Start the gateway server")
		fmt.Println("  health                  Check gateway health")
		fmt.Println("  company --name NAME     Create a company and print its API key")
		fmt.Println("  token --agent ID --company ID   Mint an agent JWT")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "company":
		err = runCompany(ctx)
	case "token":
		err = runToken()
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

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("  ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("  ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("  ▶ ")
	fmt.Printf("DB:      %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting hearth-gateway",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Start(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runCompany provisions a tenant directly in the database and prints the
// API key the widget embeds. Run against a stopped gateway or accept that
// the key is visible to agents only after their next lookup.
func runCompany(ctx context.Context) error {
	fs := flag.NewFlagSet("company", flag.ExitOnError)
	name := fs.String("name", "", "company display name (required)")
	fs.Parse(os.Args[2:])

	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	keyBytes := make([]byte, 24)
	if _, err := rand.Read(keyBytes); err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}
	apiKey := "hk_" + base64.RawURLEncoding.EncodeToString(keyBytes)

	company := &store.Company{
		ID:     uuid.New().String(),
		Name:   *name,
		APIKey: apiKey,
		Active: true,
	}
	if err := s.CreateCompany(ctx, company); err != nil {
		return fmt.Errorf("creating company: %w", err)
	}

	fmt.Printf("company_id: %s\n", company.ID)
	fmt.Printf("api_key:    %s\n", apiKey)
	return nil
}

// runToken mints an agent JWT signed with the configured secret.
func runToken() error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	agentID := fs.String("agent", "", "agent user ID (required)")
	companyID := fs.String("company", "", "company ID (required)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	fs.Parse(os.Args[2:])

	if *agentID == "" || *companyID == "" {
		return fmt.Errorf("--agent and --company are required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(&auth.AgentIdentity{
		UserID:    *agentID,
		CompanyID: *companyID,
		Role:      "agent",
	}, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
