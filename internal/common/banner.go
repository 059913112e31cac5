package common

import (
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner to stderr.
// role is "batch-api" or "batch-worker" — the two processes that embed this package.
func PrintBanner(role string, config *Config, logger *Logger) {
	version := GetVersion()
	build := GetBuild()
	commit := GetGitCommit()
	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 70
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	art := []string{
		` 888888b.          888            888       888      888b     d888`,
		` 888  "88b         888            888       888      8888b   d8888`,
		` 888  .88P         888            888       888      88888b.d88888`,
		` 8888888K.  8888b. 888888 .d8888b 88888b.   888       888Y88888P888`,
		` 888  "Y88b    "88b888   d88P"    888 "88b  888       888 Y888P 888`,
		` 888    888.d888888888   888      888  888  888       888  Y8P  888`,
		` 888   d88P888  888Y88b. Y88b.    888  888  888       888   "   888`,
		` 8888888P" "Y888888 "Y888 "Y8888P 888  888  888       888       888`,
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")
	for _, line := range art {
		fmt.Fprintf(os.Stderr, "%s%s%s\n", textColor, line, banner.ColorReset)
	}
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s  Self-Hosted Batch Inference Service%s\n", textColor, banner.ColorReset)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	kvPad := 16
	kvLines := [][2]string{
		{"Role", role},
		{"Version", version},
		{"Build", build},
		{"Commit", commit},
		{"Environment", config.Environment},
	}
	if role == "batch-api" {
		kvLines = append(kvLines, [2]string{"Service URL", serviceURL})
	} else {
		kvLines = append(kvLines, [2]string{"Worker ID", config.Worker.WorkerID})
	}
	kvLines = append(kvLines, [2]string{"Job Store", config.JobStore.Endpoint})
	for _, kv := range kvLines {
		fmt.Fprintf(os.Stderr, "%s  %-*s %s%s\n", textColor, kvPad, kv[0], kv[1], banner.ColorReset)
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	logger.Info().
		Str("role", role).
		Str("version", version).
		Str("build", build).
		Str("commit", commit).
		Str("environment", config.Environment).
		Str("job_store", config.JobStore.Endpoint).
		Msg("Application started")
}

// PrintShutdownBanner displays the application shutdown banner to stderr.
func PrintShutdownBanner(role string, logger *Logger) {
	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 48
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "%s  BATCHLLM — %s SHUTTING DOWN%s\n", textColor, strings.ToUpper(role), banner.ColorReset)
	fmt.Fprintf(os.Stderr, "%s\n", hr)
	fmt.Fprintf(os.Stderr, "\n")

	logger.Info().Str("role", role).Msg("Application shutting down")
}
