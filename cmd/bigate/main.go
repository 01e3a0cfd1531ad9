package main

import (
	"os"

	"bi-gateway/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
