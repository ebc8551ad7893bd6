// ABOUTME: Simulated browser agent for local and end-to-end testing.
// ABOUTME: Polls the controller, "runs" each session plan, and reports passed results.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/loopcast/bridge/internal/agent"
	"github.com/loopcast/bridge/internal/bridge"
	"github.com/loopcast/bridge/internal/discovery"
)

func main() {
	startPort := flag.Int("port", 8769, "start of the control server port range")
	tick := flag.Duration("tick", 2*time.Second, "poll cycle interval")
	failPlans := flag.String("fail", "", "comma-separated plan ids to report as failed")
	flag.Parse()

	if err := run(*startPort, *tick, *failPlans); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(startPort int, tick time.Duration, failPlans string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	failing := map[string]bool{}
	for _, p := range splitComma(failPlans) {
		failing[p] = true
	}

	runner := func(ctx context.Context, msg *bridge.Message) (*bridge.Message, error) {
		if msg.Type != bridge.TypeStartSession {
			return nil, nil
		}
		p, err := msg.StartSession()
		if err != nil {
			return nil, err
		}

		logger.Info("running session", "plan_id", p.PlanID)
		start := time.Now()
		time.Sleep(200 * time.Millisecond) // pretend to drive the page

		passed := !failing[p.PlanID]
		summary := "all steps completed"
		if !passed {
			summary = "forced failure"
		}
		return bridge.New(bridge.TypeSessionResult, bridge.SessionResultPayload{
			PlanID:     p.PlanID,
			Passed:     passed,
			Summary:    summary,
			DurationMS: time.Since(start).Milliseconds(),
		})
	}

	poller := agent.NewPoller(discovery.New(startPort, logger), runner, logger)
	defer poller.Close()

	poller.OnStateChange(func(s agent.State) {
		if s == agent.StateConnected {
			color.New(color.FgGreen).Printf("● connected\n")
		} else {
			color.New(color.FgYellow).Printf("○ disconnected\n")
		}
	})

	fmt.Printf("bridge-agent polling ports %d-%d every %s\n", startPort, startPort+9, tick)
	poller.Run(ctx, tick)
	return nil
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
