package main

import (
	"context"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/infraroo/infraroo/pkg/pwdhash"
	"github.com/infraroo/infraroo/server"
	"github.com/infraroo/infraroo/server/config"
)

func main() {
	parser := argparse.NewParser("infraroo", "Road infrastructure registry built from satellite imagery")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file path", Default: "infraroo.json"})
	scanNow := parser.Flag("", "scan", &argparse.Options{Help: "Run one scan pass immediately after startup", Default: false})
	hashPassword := parser.String("", "hashpassword", &argparse.Options{Help: "Hash a password for the config file's adminPasswordHash field, then exit", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	if *hashPassword != "" {
		fmt.Printf("%v\n", pwdhash.HashPasswordBase64(*hashPassword))
		return
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	if *scanNow {
		go func() {
			if _, err := srv.RunScanPass(context.Background()); err != nil {
				logger.Errorf("Startup scan pass failed: %v", err)
			}
		}()
	}

	// Tell systemd that we're alive.
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
	}
}
