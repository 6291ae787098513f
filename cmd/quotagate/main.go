package main

import (
	"os"

	"github.com/quotagate/quotagate/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
