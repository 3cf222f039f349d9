package main

import (
	"flag"
	"fmt"
	"io"
)

// runConfigCmd implements `orchestra config`.
func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("config", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var path string
	cmd.StringVar(&path, "config", "", "Path to YAML config file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	out, err := cfg.YAML()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = stdout.Write(out)
	return 0
}
