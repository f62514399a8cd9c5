package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/pflag"
)

type command struct {
	summary string
	run     func(ctx context.Context, configPath string, args []string) error
}

var commands = map[string]command{
	"run":            {"run the scheduler, queue workers and status server", runService},
	"worker":         {"consume queued jobs only", runWorker},
	"migrate":        {"apply database migrations", runMigrate},
	"sample":         {"enqueue one round of price sampling", runSample},
	"analyze-queued": {"enqueue one round of chunked analysis", runAnalyzeQueued},
	"analyze":        {"analyze all listings now and send alerts", runAnalyze},
	"cleanup":        {"deactivate and delete expired data", runCleanup},
	"init-exchanges": {"create the supported exchanges", runInitExchanges},
	"symbols":        {"list the symbols of an exchange", runSymbols},
	"klines":         {"print recent candles of a symbol", runKlines},
	"test-alert":     {"send a test notification", runTestAlert},
	"status":         {"print system statistics", runStatus},
	"pairs":          {"manage exchange listings (list|add|activate|deactivate|remove)", runPairs},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: arbwatch [--config PATH] <command> [flags]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-15s %s\n", name, commands[name].summary)
	}
}

func main() {
	global := pflag.NewFlagSet("arbwatch", pflag.ContinueOnError)
	global.SetInterspersed(false)
	configPath := global.StringP("config", "c", ".", "config file or directory holding config.yaml")
	global.Usage = usage
	if err := global.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	args := global.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.run(ctx, *configPath, args[1:])
	stop()
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "arbwatch %s: %v\n", args[0], err)
		os.Exit(1)
	}
}
