package main

import (
	"github.com/taskup/outbox/cmd"
)

func main() {
	cmd.Execute()
}
