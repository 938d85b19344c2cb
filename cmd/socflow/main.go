package main

import (
	"os"

	"github.com/gauravfs-14/socflow/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
