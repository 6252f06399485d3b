package main

import (
	"github.com/neo/debatearena_backend/cmd"
)

func main() {
	cmd.Execute()
}
