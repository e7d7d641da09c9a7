// Copyright 2026 The switchAIRelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the switchAIRelay server.
// The relay admits client API keys against their quotas and wallets, picks an
// upstream account for each request and records the outcome.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/switchAIRelay/internal/buildinfo"
	"github.com/traylinx/switchAIRelay/internal/cmd"
	"github.com/traylinx/switchAIRelay/internal/config"
	"github.com/traylinx/switchAIRelay/internal/logging"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "config.yaml"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&showVersion, "version", false, "Print the version and exit")
	flag.CommandLine.Usage = func() {
		out := flag.CommandLine.Output()
		_, _ = fmt.Fprintf(out, "Usage: %s [-config path] [hooks <command>]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("switchAIRelay Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		os.Exit(1)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if !filepath.IsAbs(configPath) {
		configPath = filepath.Join(wd, configPath)
	}
	// Only the default path may be absent; an explicit -config must exist.
	optional := !isFlagSet("config")
	cfg, err := config.LoadConfigOptional(configPath, optional)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "hooks":
			handleHooksCommand(cfg, flag.Args()[1:])
			return
		default:
			fmt.Printf("Unknown command: %s\n", flag.Arg(0))
			flag.CommandLine.Usage()
			os.Exit(2)
		}
	}

	if err = logging.SetLevel(cfg.Server.LogLevel); err != nil {
		log.Warnf("invalid log level %q, using info", cfg.Server.LogLevel)
	}
	if err = logging.ConfigureLogOutput(cfg.Server.LogDir, cfg.Server.LoggingToFile, cfg.Server.LogsMaxTotalSizeMB); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		os.Exit(1)
	}
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	}

	log.Infof("switchAIRelay Version: %s, Commit: %s, BuiltAt: %s", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
	if cfg.Admin.SecretKey == "" {
		log.Warn("admin secret is not set; /admin endpoints are disabled")
	}

	if err = cmd.StartService(cfg); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
