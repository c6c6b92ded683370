// The main package for the pagewatch executable.
package main

import (
	"github.com/pagewatch/pagewatch/cmd"
)

func main() {
	cmd.Execute()
}
