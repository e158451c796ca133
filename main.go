package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattsolo1/grove-tracks/cmd"
)

func main() {
	if err := cmd.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
