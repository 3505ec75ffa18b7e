// Command propagate drives the contract-change propagation pipeline.
package main

import "github.com/propagatehq/propagate/cmd"

func main() {
	cmd.Execute()
}
