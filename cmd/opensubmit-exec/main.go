package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/troeger/opensubmit-sub000/internal/executor"
	"github.com/troeger/opensubmit-sub000/pkg/observability"
)

const usage = `opensubmit-exec [-c config_file] <command>

Commands:
    configcreate <server_url>:  Create initial config file for this machine.
    configtest:                 Check config file for correctness.
    run:                        Fetch and run one job from the server. Usually called by cron.
    test <directory>:           Run a validation script against the files in the directory.
    unlock:                     Break the cycle lock, in case of a crashed executor.
    help:                       Show this text.
`

func main() {
	configPath := flag.String("c", executor.DefaultConfigPath, "config file path")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	os.Exit(run(*configPath, flag.Args()))
}

func run(configPath string, args []string) int {
	switch args[0] {
	case "help":
		fmt.Print(usage)
		return 0

	case "configcreate":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "configcreate needs the server url as argument")
			return 1
		}
		if executor.HasConfig(configPath) {
			fmt.Fprintf(os.Stderr, "ERROR: Config file %s already exists, please edit it instead.\n", configPath)
			return 1
		}
		if err := executor.CreateConfig(configPath, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: Cannot create config file: %v\n", err)
			return 1
		}
		fmt.Printf("Config file %s created, please edit at least the shared secret.\n", configPath)
		return 0
	}

	cfg, err := executor.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	if err := configureLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Cannot configure logging: %v\n", err)
		return 1
	}

	switch args[0] {
	case "configtest":
		if !executor.HasConfig(configPath) {
			fmt.Fprintf(os.Stderr, "ERROR: Config file %s does not exist, run configcreate first.\n", configPath)
			return 1
		}
		if err := executor.CheckConfig(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			return 1
		}
		fmt.Println("Config is fine.")
		return 0

	case "run":
		if err := executor.RunCycle(context.Background(), cfg, slog.Default()); err != nil {
			slog.Error("Cycle failed", "error", err)
			return 1
		}
		return 0

	case "test":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "test needs a directory as argument")
			return 1
		}
		res, err := executor.RunLocalTest(cfg, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			return 1
		}
		fmt.Printf("Error code: %d\n\nStudent message:\n%s\n\nTutor message:\n%s\n",
			res.ErrorCode, res.InfoStudent, res.InfoTutor)
		if res.PerfData != "" {
			fmt.Printf("\nPerformance data:\n%s\n", res.PerfData)
		}
		if !res.Passed() {
			return 1
		}
		return 0

	case "unlock":
		if err := executor.NewCycleLock(cfg.Execution.PIDFile).Break(); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			return 1
		}
		fmt.Println("Lock removed.")
		return 0
	}

	flag.Usage()
	return 1
}

func configureLogging(cfg *executor.Config) error {
	file := ""
	if cfg.Logging.ToFile {
		file = cfg.Logging.File
	}
	return observability.ConfigureLogger(cfg.Logging.Level, file)
}
