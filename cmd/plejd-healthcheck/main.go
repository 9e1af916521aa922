// Command plejd-healthcheck checks the health files written by plejd-mqtt
// and exits non-zero when the bridge is stale or disconnected. It is meant
// for container HEALTHCHECK directives.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chaz8081/plejd-mqtt/internal/config"
	"github.com/chaz8081/plejd-mqtt/internal/health"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/plejd-mqtt/config.yaml)")
	dir := flag.String("dir", "", "health file directory (overrides config)")
	interval := flag.Duration("interval", 0, "expected heartbeat interval (overrides config)")
	flag.Parse()

	cfg := config.Default()
	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
			path = config.DefaultConfigPath()
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(health.ExitErr)
		}
		cfg = loaded
	}

	if *dir != "" {
		cfg.HealthCheck.Dir = *dir
	}
	if *interval > 0 {
		cfg.HealthCheck.Interval = *interval
	}

	os.Exit(health.Check(cfg.HealthCheck.Dir, cfg.HealthCheck.Interval))
}
