package main

import (
	"context"
	"fmt"
	"os"

	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
