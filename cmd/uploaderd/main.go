package main

import (
	"context"
	"flag"
	"log"

	"github.com/crossbario/crossbar-sub003/internal/config"
	"github.com/crossbario/crossbar-sub003/internal/daemonrun"
)

func main() {
	configPath := flag.String("config", "", "Configuration file path")
	logLevel := flag.String("log-level", "", "Override logging.level")
	flag.Parse()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{LogLevel: *logLevel}); err != nil {
		log.Fatalf("uploaderd: %v", err)
	}
}
