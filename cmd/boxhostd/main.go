package main

import (
	"context"
	"flag"
	"log"

	"boxhost/internal/server"
	"boxhost/internal/startup"
)

func main() {
	configPath := flag.String("config", "/etc/boxhost/config.json", "path to the server configuration file")
	flag.Parse()

	srv, err := server.New(*configPath)
	if err != nil {
		log.Fatalf("FATAL: failed to initialize server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go startup.WaitForSignal(cancel)

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("FATAL: server exited: %v", err)
	}
}
