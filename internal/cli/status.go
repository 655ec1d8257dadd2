package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/pkg/gateway"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long:  `Show whether parley is running and query its /healthz endpoint.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pidFile := pidFilePath(cfg.DataDir)
	if pid, err := readPID(pidFile); err == nil && isRunning(pidFile) {
		cmd.Printf("Process: running (PID %d", pid)
		if info, err := os.Stat(pidFile); err == nil {
			cmd.Printf(", up %s", formatDuration(time.Since(info.ModTime())))
		}
		cmd.Println(")")
	} else {
		cmd.Println("Process: stopped")
	}

	health, err := fetchHealth(healthURL(cfg.Gateway), 3*time.Second)
	if err != nil {
		cmd.Printf("Gateway: unreachable (%v)\n", err)
		return nil
	}

	cmd.Printf("Gateway: %s\n", health.Status)
	cmd.Printf("Tool channel: %s (%d tools)\n", health.ToolChannel, health.Tools)
	cmd.Printf("Sessions: %d\n", health.Sessions)
	cmd.Printf("Clients: %d\n", health.Clients)
	return nil
}

func healthURL(gw config.GatewayConfig) string {
	host := gw.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(gw.Port)) + "/healthz"
}

func fetchHealth(url string, timeout time.Duration) (*gateway.Health, error) {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var health gateway.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("invalid health response: %w", err)
	}
	return &health, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
