// Conveyor is a declarative deployment pipeline orchestrator.
//
// Conveyor executes stage graphs defined in a yaml document, running steps on
// the host or inside Docker containers, with guaranteed post-stage cleanup
// hooks and a per-run artifact store.
package main

import (
	"github.com/conveyorci/conveyor/cmd/conveyor"
)

func main() {
	conveyor.Execute()
}
