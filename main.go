package main

import (
	"log"

	"github.com/joho/godotenv"
	"stripesync/cmd"
	"stripesync/internal/config"
	"stripesync/internal/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	// Commands that need a valid configuration load it again and fail there.
	logConfig := logger.DefaultConfig()
	if cfg, err := config.Load(); err != nil {
		log.Printf("Warning: Could not load configuration: %v", err)
	} else {
		logConfig = cfg.GetLoggerConfig()
	}
	if err := logger.Setup(logConfig); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	log := logger.WithComponent("main")
	log.Debug().Msg("Starting stripesync")

	cmd.Execute()
}
