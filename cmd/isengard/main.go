package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
)

var (
	configFile  = flag.String("config", "", "Configuration file path")
	configFileC = flag.String("c", "", "Configuration file path (shorthand)")
	serverPort  = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP = flag.Int("p", 0, "Server port (shorthand, overrides config)")
	serverHost  = flag.String("host", "", "Server host (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	config, err := loadConfig()
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "serve":
		runServe(config)
	case "bundle":
		runBundle(config, args[1:])
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		fmt.Fprintln(os.Stderr, "usage: isengard [flags] [serve|bundle <job_id>|version]")
		flag.PrintDefaults()
		os.Exit(2)
	}
}

// loadConfig resolves the config path, loads it with env overrides, and
// applies CLI flag overrides on top.
func loadConfig() (*common.Config, error) {
	path := *configFile
	if path == "" {
		path = *configFileC
	}

	// Auto-discover a config file when none is specified
	if path == "" {
		if _, err := os.Stat("isengard.toml"); err == nil {
			path = "isengard.toml"
		} else if _, err := os.Stat("deployments/local/isengard.toml"); err == nil {
			path = "deployments/local/isengard.toml"
		}
	}

	config, err := common.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	port := *serverPort
	if *serverPortP != 0 {
		port = *serverPortP
	}
	common.ApplyFlagOverrides(config, port, *serverHost)

	return config, nil
}

func printVersion() {
	fmt.Printf("Isengard version %s\n", common.GetFullVersion())
}
