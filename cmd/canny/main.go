package main

import (
	"os"

	"medimg-accel/internal/cli"
)

func main() {
	os.Exit(cli.Main(cli.NewCannyCommand(), os.Args[1:]))
}
