// voyagerctl inspects voyager topologies, header stores and probe plans.
package main

import "github.com/dantte-lp/voyager/cmd/voyagerctl/commands"

func main() {
	commands.Execute()
}
