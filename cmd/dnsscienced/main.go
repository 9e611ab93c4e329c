package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dnsscience/dnsscienced/internal/config"
	"github.com/dnsscience/dnsscienced/internal/server"
)

var (
	cfgPath  = flag.String("config", "", "Path to YAML config file (defaults baked in if omitted)")
	udpAddr  = flag.String("udp", "", "UDP listen address (overrides config)")
	zoneFile = flag.String("zone", "", "Zone file to load at startup (overrides config)")
	zoneName = flag.String("zone-origin", "", "Origin of -zone, required if -zone is set")
	stats    = flag.Bool("stats", true, "Print statistics periodically")
)

func main() {
	flag.Parse()

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                                                              ║")
	fmt.Println("║              DNSScienced - Production DNS Server             ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration:\n")
	fmt.Printf("  UDP Address:      %s (%d workers)\n", cfg.UDP.Addr, cfg.UDP.Workers)
	fmt.Printf("  QUIC/DoQ:         %v", cfg.QUIC.Enabled)
	if cfg.QUIC.Enabled {
		fmt.Printf(" (%s)", cfg.QUIC.Addr)
	}
	fmt.Println()
	fmt.Printf("  DNS Cookies:      %v\n", cfg.Cookies.Enabled)
	fmt.Printf("  RRL:              %v\n", cfg.RRL.Enabled)
	fmt.Printf("  Zones configured: %d\n", len(cfg.Zones))
	fmt.Printf("  Metrics:          %v", cfg.Metrics.Enabled)
	if cfg.Metrics.Enabled {
		fmt.Printf(" (%s)", cfg.Metrics.Addr)
	}
	fmt.Println()
	fmt.Println()

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	fmt.Println("DNS server started successfully!")
	fmt.Println()

	if *stats {
		go printStats(ctx, srv)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println()
		cancel()
		if err := <-runErr; err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	case err := <-runErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// loadConfig reads -config if given, else starts from config.Default, then
// applies any flag overrides on top.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *cfgPath != "" {
		c, err := config.Load(*cfgPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = c
	}

	if *udpAddr != "" {
		cfg.UDP.Addr = *udpAddr
	}
	if *zoneFile != "" {
		if *zoneName == "" {
			return config.Config{}, fmt.Errorf("-zone requires -zone-origin")
		}
		cfg.Zones = append(cfg.Zones, config.ZoneConfig{
			Origin: *zoneName,
			Path:   *zoneFile,
			Format: "bind",
		})
	}
	return cfg, nil
}

func printStats(ctx context.Context, srv *server.Server) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastReceived uint64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st := srv.GetStats()
		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()
		qps := float64(st.UDP.Received-lastReceived) / elapsed

		fmt.Printf("═══════════════════════════════════════════════════════════\n")
		fmt.Printf("Statistics (%.1fs interval):\n", elapsed)
		fmt.Printf("  UDP received: %10d  (%.0f qps)\n", st.UDP.Received, qps)
		fmt.Printf("  UDP sent:     %10d\n", st.UDP.Sent)
		fmt.Printf("  UDP dropped:  %10d\n", st.UDP.Dropped)
		fmt.Printf("  UDP panics:   %10d\n", st.UDP.Panics)
		fmt.Printf("  QUIC accepted:%10d\n", st.QUIC.Accepted)
		fmt.Printf("  QUIC streams: %10d\n", st.QUIC.Streams)
		fmt.Printf("═══════════════════════════════════════════════════════════\n\n")

		lastReceived = st.UDP.Received
		lastTime = now
	}
}
