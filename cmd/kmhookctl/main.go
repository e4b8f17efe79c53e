package main

import (
	"os"

	"github.com/austindbirch/kmhook/cmd/kmhookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
