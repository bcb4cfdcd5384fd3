package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickgao/livesync/internal/health"
)

var (
	probeTimeout time.Duration
	probeFormat  string
)

var probeCmd = &cobra.Command{
	Use:   "probe [url]",
	Short: "Run one health probe against the upstream server",
	Long: `Probe the upstream health endpoint once and report status, protocol and
latency. Without a URL the configured base_url + health_path is used.

Exits non-zero when the server is unhealthy.

Examples:
  livesync probe
  livesync probe https://app.example.com/health --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Second, "probe timeout")
	probeCmd.Flags().StringVar(&probeFormat, "format", "text", "output format: text, json")
}

func runProbe(cmd *cobra.Command, args []string) error {
	var url string
	if len(args) == 1 {
		url = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		url = strings.TrimRight(cfg.Server.BaseURL, "/") + cfg.Server.HealthPath
	}

	prober := health.NewHTTPProber(
		health.WithTimeout(probeTimeout),
		health.WithLogger(logger),
	)
	res := prober.Check(commandContext(cmd), url)

	switch probeFormat {
	case "json":
		out := struct {
			URL        string `json:"url"`
			Healthy    bool   `json:"healthy"`
			StatusCode int    `json:"status_code,omitempty"`
			Proto      string `json:"proto,omitempty"`
			LatencyMS  int64  `json:"latency_ms"`
			Error      string `json:"error,omitempty"`
		}{
			URL:        res.URL,
			Healthy:    res.Healthy(),
			StatusCode: res.StatusCode,
			Proto:      res.Proto,
			LatencyMS:  res.Latency.Milliseconds(),
		}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	case "text":
		fmt.Println(res.String())
	default:
		return fmt.Errorf("unknown format %q", probeFormat)
	}

	if !res.Healthy() {
		return fmt.Errorf("%s is unhealthy", url)
	}
	return nil
}
