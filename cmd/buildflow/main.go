package main

import (
	"context"
	"fmt"
	"os"

	"github.com/buildflow/buildflow/pkg/cli"
)

var version = "dev"

func main() {
	cfg := cli.NewConfig()
	cfg.Version = version

	if err := cli.NewCLI(cfg).ExecuteContext(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
