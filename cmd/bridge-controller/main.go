// ABOUTME: Entry point for the bridge controller CLI.
// ABOUTME: Dispatches session plans to the agent and records results.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/loopcast/bridge/internal/bridge"
	"github.com/loopcast/bridge/internal/client"
	"github.com/loopcast/bridge/internal/config"
	"github.com/loopcast/bridge/internal/discovery"
	"github.com/loopcast/bridge/internal/store"
)

// version is set by goreleaser at build time.
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: bridge-controller <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run [plan ...]   Connect and dispatch plans (stdin if no args)")
		fmt.Println("  history          Show recent session results")
		fmt.Println("  status           Check for a live control server")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runDispatch(ctx, os.Args[2:])
	case "history":
		err = runHistory(ctx)
	case "status":
		err = runStatus()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getConfigPath returns the configuration file path.
// Priority: BRIDGE_CONFIG env var > ./bridge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}
	return "bridge.yaml"
}

// loadConfig loads the config file, falling back to defaults when absent.
func loadConfig() (*config.Config, error) {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func runDispatch(ctx context.Context, plans []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	history, err := store.NewSQLiteStore(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer history.Close()

	c := client.New(client.Options{
		BridgeDir:      cfg.Bridge.Dir,
		PreferredPort:  cfg.Bridge.PreferredPort,
		RequestTimeout: cfg.Bridge.RequestTimeout,
		PollInterval:   cfg.Bridge.PollInterval,
		Logger:         logger,
	})

	// Every inbound result lands in history, matched or not.
	c.OnResult(func(p *bridge.SessionResultPayload) {
		err := history.SaveResult(context.Background(), &store.Result{
			PlanID:     p.PlanID,
			Passed:     p.Passed,
			Summary:    p.Summary,
			Error:      p.Error,
			DurationMS: p.DurationMS,
		})
		if err != nil {
			logger.Warn("failed to record result", "plan_id", p.PlanID, "error", err)
		}
	})

	if err := c.Connect(); err != nil {
		return fmt.Errorf("connecting bridge: %w", err)
	}
	defer c.Disconnect()

	color.New(color.FgHiBlack).Printf("bridge-controller %s\n", version)
	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("bridge up (transport: %s)\n", c.ActiveTransport())

	if len(plans) == 0 {
		plans, err = readPlansFromStdin()
		if err != nil {
			return err
		}
	}

	failed := 0
	for _, planID := range plans {
		if err := dispatchOne(ctx, c, planID); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d plans failed", failed, len(plans))
	}
	return nil
}

// dispatchOne sends one plan and prints its outcome.
func dispatchOne(ctx context.Context, c *client.Client, planID string) error {
	res, err := c.SendRequest(ctx, planID, json.RawMessage(`{}`))
	if err != nil {
		color.New(color.FgRed).Printf("✗ %s: %v\n", planID, err)
		return err
	}

	if res.Passed {
		color.New(color.FgGreen).Printf("✓ %s", planID)
	} else {
		color.New(color.FgRed).Printf("✗ %s", planID)
	}
	if res.Summary != "" {
		fmt.Printf("  %s", res.Summary)
	}
	fmt.Println()

	if !res.Passed {
		return fmt.Errorf("plan %s failed", planID)
	}
	return nil
}

// readPlansFromStdin reads one plan id per line.
func readPlansFromStdin() ([]string, error) {
	var plans []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			plans = append(plans, line)
		}
	}
	return plans, scanner.Err()
}

func runHistory(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	history, err := store.NewSQLiteStore(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer history.Close()

	results, err := history.ListResults(ctx, 20)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no recorded results")
		return nil
	}

	for _, r := range results {
		marker := color.New(color.FgGreen).Sprint("✓")
		if !r.Passed {
			marker = color.New(color.FgRed).Sprint("✗")
		}
		fmt.Printf("%s %-20s %s", marker, r.PlanID, r.ReceivedAt.Local().Format("2006-01-02 15:04:05"))
		if r.Summary != "" {
			fmt.Printf("  %s", r.Summary)
		}
		fmt.Println()
	}
	return nil
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cred, err := discovery.ReadCredential(cfg.Bridge.Dir)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("no control server registered")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("control server: port %d (pid %d, started %s)\n",
		cred.Port, cred.PID, cred.StartedAt.Local().Format("15:04:05"))
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
