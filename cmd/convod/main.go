package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mvieira/convo/internal/config"
	"github.com/mvieira/convo/internal/daemon"
	"go.uber.org/fx"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".convo", "config.toml")
}

func main() {
	configFlag := flag.String("config", defaultConfigPath(), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(cfg),
	)

	app.Run()
}
