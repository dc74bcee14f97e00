// Command slurmwatch shows the cluster view served by the aggregator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	"github.com/worldland/slurmwatch/internal/cli"
)

const usage = `slurmwatch shows GPU and job telemetry collected from a Slurm cluster.

Usage:
  slurmwatch [flags] status [collector...]
  slurmwatch [flags] jobs [collector...]
  slurmwatch [flags] history <collector> [--start T] [--end T] [--limit N]
  slurmwatch [flags] gpu-hours [--start T] [--end T]

Times accept 2006-01-02, "2006-01-02 15:04", "2006-01-02 15:04:05" or RFC 3339.

Flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		cli.PrintError(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(args []string) error {
	var server, start, end string
	var limit int
	var timeout time.Duration

	flagSet := pflag.NewFlagSet("slurmwatch", pflag.ContinueOnError)
	flagSet.StringVarP(&server, "server", "s", envOr("SLURMWATCH_SERVER", "http://localhost:3034"), "aggregator API base URL")
	flagSet.StringVar(&start, "start", "", "history, gpu-hours: start of the time range")
	flagSet.StringVar(&end, "end", "", "history, gpu-hours: end of the time range")
	flagSet.IntVar(&limit, "limit", 0, "history: maximum observations")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	rest := flagSet.Args()
	command := "status"
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := cli.NewClient(server)

	switch command {
	case "status":
		cluster, err := client.Cluster(ctx, rest...)
		if err != nil {
			return err
		}
		cli.PrintCluster(os.Stdout, cluster)
	case "jobs":
		cluster, err := client.Cluster(ctx, rest...)
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, cli.RenderJobs(cluster))
	case "history":
		if len(rest) != 1 {
			return fmt.Errorf("history takes exactly one collector")
		}
		history, err := client.History(ctx, rest[0], start, end, limit)
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, cli.RenderHistory(history))
	case "gpu-hours":
		hours, err := client.GPUHours(ctx, start, end)
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, cli.RenderGPUHours(hours))
	default:
		flagSet.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
