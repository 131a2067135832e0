package main

import "github.com/stipend-network/stipend/internal/cli"

func main() {
	cli.Execute()
}
