package main

import (
	"os"

	"audioguard/internal/adapter/primary/cli"
)

func main() {
	os.Exit(cli.Execute())
}
