// The main package for the prerender-gateway executable.
package main

import (
	"github.com/JakeFAU/prerender-gateway/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
