package main

import (
	"log"

	"github.com/listward/assetengine/internal/logger"
)

func main() {
	if err := logger.SetupLogger(); err != nil {
		log.Fatalf("setup logger: %v", err)
	}

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}
