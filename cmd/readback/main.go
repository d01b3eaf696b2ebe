// Command readback runs a compute kernel on the first available GPU and
// prints the value it wrote.
package main

import (
	"os"

	"github.com/gogpu/readback/cmd/readback/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
