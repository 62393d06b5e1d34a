// Command relayd is the relay chat server daemon.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaychat/relay/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file (created with defaults if missing)")
	tcpPort := flag.Int("port", 0, "TCP listen port (overrides config)")
	httpPort := flag.Int("http-port", -1, "HTTP listen port for /ws and /metrics, 0 disables (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		server.EnableDebugLogging()
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *tcpPort != 0 {
		config.TCPPort = *tcpPort
	}
	if *httpPort >= 0 {
		config.HTTPPort = *httpPort
	}
	if *dbPath != "" {
		config.DatabasePath = *dbPath
	}

	srv, err := server.NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}
