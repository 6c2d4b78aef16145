// The main package for the wikivault executable.
package main

import (
	"os"

	"github.com/wikivault/wikivault/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
