package main

import (
	"context"
	"fmt"
	"os"

	"github.com/amurg-ai/tether/internal/cmd"
)

var version = "dev"

func main() {
	if err := cmd.NewRootCmd(version).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
