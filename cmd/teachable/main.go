package main

import (
	"context"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/server"
	"github.com/cyclopcam/teachable/server/config"
)

func main() {
	parser := argparse.NewParser("teachable", "Train an image classifier from labeled examples")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file", Default: ""})
	envFile := parser.String("", "env", &argparse.Options{Help: "Environment file with TEACHABLE_* overrides", Default: ".env"})
	listen := parser.String("l", "listen", &argparse.Options{Help: "HTTP listen address (overrides config)", Default: ""})
	lazy := parser.Flag("", "lazy", &argparse.Options{Help: "Don't load the feature extractor until the first training request", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile, *envFile)
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	if !*lazy {
		if err := srv.LoadModel(context.Background()); err != nil {
			// Not fatal. The next training request tries again.
			logger.Warnf("Failed to load feature extractor: %v", err)
		}
	}

	srv.ListenForKillSignals()

	// Tell systemd that we're alive.
	daemon.SdNotify(false, daemon.SdNotifyReady)

	err = srv.ListenHTTP(cfg.Listen)
	if err != nil {
		logger.Infof("ListenHTTP returned: %v", err)
	}
	srv.Shutdown()
	logger.Infof("Exiting")
}
