package main

import (
	"os"

	"github.com/Iron-Ham/herd/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
