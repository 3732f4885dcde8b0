package main

import "github.com/meshcomm/cmd/cli/cmd"

func main() {
	cmd.Execute()
}
