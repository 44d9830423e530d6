// DotMemory - Conversational memory engine for chat bots
// License: MIT
//
// Copyright (c) 2026 DotMemory contributors

package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/metrics"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dotmemory"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	debug      bool
}

func (o *globalOptions) resolvedConfigPath() string {
	if strings.TrimSpace(o.configPath) != "" {
		return o.configPath
	}
	if env := strings.TrimSpace(os.Getenv("DOTMEMORY_CONFIG")); env != "" {
		return env
	}
	return config.DefaultPath()
}

// loadConfig reads the config file and applies the logging section.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.resolvedConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Configure(cfg.LoggerConfig()); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	if o.debug {
		logger.SetLevel(logger.DEBUG)
	}
	return cfg, nil
}

// openEngine opens the memory engine described by cfg. Scheduled retention
// only runs for long-lived processes.
func openEngine(cfg *config.Config, scheduled bool, m *metrics.Manager) (*memory.Engine, error) {
	engCfg := cfg.EngineConfig()
	if !scheduled {
		engCfg.RetentionSchedule = ""
	}
	opts := []memory.Option{}
	if m != nil {
		opts = append(opts, memory.WithMetrics(m))
	}
	eng, err := memory.Open(engCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("open memory: %w", err)
	}
	return eng, nil
}
