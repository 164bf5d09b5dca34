package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Triviape/triviape-sub002/internal/config"
	"github.com/Triviape/triviape-sub002/internal/server"
)

func main() {
	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("Init server failed: %v", err)
	}

	go s.Start()

	<-shutdown
	s.Shutdown()
}

func loadConfig() (server.Config, error) {
	c := server.DefaultConfig()

	// CONFIG_PATH is optional, TRIVIAPE_* variables override the file
	if err := config.Load(os.Getenv("CONFIG_PATH"), &c, config.WithEnvPrefix("TRIVIAPE")); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
