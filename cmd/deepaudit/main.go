package main

import "github.com/DragonitePlus/DeepAudit/internal/cli"

func main() {
	cli.Execute()
}
