package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/callbridge/internal/daemon"
	"github.com/danmuck/callbridge/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to a callbridged TOML config")
	flag.Parse()

	logger := observability.InitLogger("callbridged")

	cfg := daemon.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "callbridged: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	logger.Info().Str("config", *configPath).Strs("modules", cfg.BuiltinModules).Msg("callbridged starting")

	svc, err := daemon.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callbridged: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "callbridged: %v\n", err)
		os.Exit(1)
	}
}
