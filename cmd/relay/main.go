package main

import (
	"context"
	"fmt"
	"os"

	"github.com/LerianStudio/outbox-relay/internal/bootstrap"
)

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	service, err := bootstrap.InitServers(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap relay: %v\n", err)
		os.Exit(1)
	}

	if err := service.Run(); err != nil {
		os.Exit(1)
	}
}
