package main

import (
	"os"

	"medimg-accel/internal/cli"
)

func main() {
	os.Exit(cli.Main(cli.NewMedimgCommand(), os.Args[1:]))
}
