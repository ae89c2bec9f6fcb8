package main

import "otsentry/internal/cli"

func main() {
	cli.Execute()
}
