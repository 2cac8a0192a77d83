package main

import "masterd/internal/cli"

func main() {
	cli.Execute()
}
