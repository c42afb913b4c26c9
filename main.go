package main

import "zec-relay/internal/cli"

func main() {
	cli.Execute()
}
