package main

import "github.com/webpilot-ai/webpilot/internal/cli"

func main() {
	cli.Execute()
}
