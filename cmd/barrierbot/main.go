package main

import (
	"barrierbot/internal/cli"
)

func main() {
	cli.Execute()
}
