package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/fleetview/console/pkg/api"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Println("[main] loaded .env")
	}

	cfg := api.LoadConfigFromEnv()

	port := flag.Int("port", cfg.Port, "Port to listen on")
	dataDir := flag.String("data-dir", cfg.DataDir, "Directory for the registry file and uploaded kubeconfigs")
	flag.Parse()

	cfg.Port = *port
	cfg.DataDir = *dataDir

	fmt.Print(`
  __ _           _         _
 / _| | ___  ___| |___   _(_) _____      __
| |_| |/ _ \/ _ \ __\ \ / / |/ _ \ \ /\ / /
|  _| |  __/  __/ |_ \ V /| |  __/\ V  V /
|_| |_|\___|\___|\__| \_/ |_|\___| \_/\_/

FleetView - Multi-Cluster Service Console
`)

	server, err := api.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		if err := server.Shutdown(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
