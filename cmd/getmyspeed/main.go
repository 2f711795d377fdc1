package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ComputerScienceAddict/getmyspeed/internal/app"
	"github.com/ComputerScienceAddict/getmyspeed/internal/config"
	"github.com/ComputerScienceAddict/getmyspeed/internal/util"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
			configPath := serveCmd.String("config", "", "Path to config file")
			_ = serveCmd.Parse(os.Args[2:])
			runServer(*configPath)
			return
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", "", "Path to config file")
			_ = runCmd.Parse(os.Args[2:])
			runOnce(*configPath)
			return
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "config.yaml", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			checkConfig(*configPath)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version)
			return
		}
	}

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()
	runServer(*configPath)
}

func runServer(configPath string) {
	logger := util.NewLogger()
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown requested")
	supervisor.Stop()
}

// runOnce performs a single measurement and prints the result as JSON.
func runOnce(configPath string) {
	logger := util.NewLogger()
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer supervisor.Stop()

	runtime := supervisor.Runtime()
	eng := runtime.Engine()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("abort requested")
		eng.Abort()
	}()

	if err := eng.Start(); err != nil {
		logger.Error("start failed", "error", err)
		os.Exit(1)
	}
	eng.Wait()

	snap := eng.Session().Snapshot()
	if snap.Stage != "complete" {
		logger.Error("test did not complete", "stage", snap.Stage, "error", snap.Error)
		os.Exit(1)
	}
	results := runtime.Store().Snapshot()
	if len(results) == 0 {
		logger.Error("no result recorded")
		os.Exit(1)
	}
	out, err := json.MarshalIndent(results[0], "", "  ")
	if err != nil {
		logger.Error("encode result", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func checkConfig(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: %d ping endpoints, control enabled: %v\n",
		len(cfg.Ping.Endpoints), cfg.ControlEnabled())
	os.Exit(0)
}

func printHelp() {
	fmt.Print(`getmyspeed - network performance measurement engine

Usage:
  getmyspeed serve --config <path>  Start the control API server
  getmyspeed run --config <path>    Run one test and print the result
  getmyspeed check --config <path>  Validate config file
  getmyspeed help                   Show this help
  getmyspeed version                Show version

Without a subcommand the server is started. Without --config the built-in
defaults are used.
`)
}
