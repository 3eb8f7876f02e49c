// Command peersim runs scripted multi-node scenarios through complete
// transport stacks on an in-memory network, and replays diagnostics
// recordings.
package main

var version = "dev"

func main() {
	Execute(version)
}
