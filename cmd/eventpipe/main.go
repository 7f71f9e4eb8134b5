package main

import (
	"os"

	"github.com/user/event-pipeline/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
