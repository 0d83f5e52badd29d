//go:build linux
// +build linux

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fzft/go-reactor/log"
	"github.com/fzft/go-reactor/node"
	"go.uber.org/zap"
)

func main() {
	var (
		configFile  = flag.String("config", "", "path to a TOML config file")
		addr        = flag.String("addr", "", "listen address, overrides the config file")
		workers     = flag.Int("workers", 0, "number of workers, overrides the config file")
		logLevel    = flag.String("log-level", "", "log level, overrides the config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(Version())
		return
	}

	cfg := node.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = node.LoadConfig(*configFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := log.InitLogger(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer log.Logger.Sync()

	log.Logger.Info("starting reactor", zap.String("version", Version()))
	s := node.NewServer(cfg)
	if err := s.Run(); err != nil {
		log.Logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}
