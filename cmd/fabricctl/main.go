// fabricctl is the command-line client of the fabricd daemon.
package main

import "github.com/dantte-lp/gofabric/cmd/fabricctl/commands"

func main() {
	commands.Execute()
}
