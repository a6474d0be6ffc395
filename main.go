// The main package for the matchminer executable.
package main

import (
	"github.com/statforge/matchminer/cmd"
)

func main() {
	cmd.Execute()
}
