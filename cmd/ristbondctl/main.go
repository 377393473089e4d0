// ristbondctl is the CLI client for the ristbond daemon's admin HTTP API.
package main

import "github.com/dantte-lp/ristbond/cmd/ristbondctl/commands"

func main() {
	commands.Execute()
}
