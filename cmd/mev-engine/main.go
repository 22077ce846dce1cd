package main

import "github.com/mev-engine/mev-execution-core/internal/cli"

func main() {
	cli.Execute()
}
