package main

import (
	"os"

	"github.com/agentworkforce/profileguard/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
