// Command bulbflow runs the durable lightbulb lifecycle coordinator.
package main

import (
	"context"
	"os"

	"github.com/roach88/bulbflow/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), cli.NewRootCommand(), os.Stderr))
}
