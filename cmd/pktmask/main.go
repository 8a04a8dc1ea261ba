// Command pktmask drives the sanitizer pipeline over a directory of
// capture files. Flag parsing, config loading, and logging are the only
// concerns here; everything else is delegated to app.App (spec §6: CLI
// argument parsing and logging are named as external collaborators, not
// part of the core).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/negbie/logp"

	"github.com/pktmask/pktmask-go/app"
	"github.com/pktmask/pktmask-go/metrics"
)

func main() {
	var (
		configPath string
		inputDir   string
		metricsAddr string
	)
	flag.StringVar(&configPath, "config", "", "path to a YAML configuration file (defaults are used if empty)")
	flag.StringVar(&inputDir, "input", "", "directory containing .pcap/.pcapng files to process")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9100 (disabled if empty)")
	flag.Parse()

	if inputDir == "" {
		fmt.Fprintln(os.Stderr, "pktmask: -input is required")
		os.Exit(2)
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	a, err := app.New(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pktmask: %v\n", err)
		os.Exit(1)
	}

	if err := a.Run(context.Background(), inputDir); err != nil {
		logp.Err("run failed: %v", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logp.Warn("metrics server stopped: %v", err)
	}
}
