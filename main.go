// The main package for the groupcrawl executable.
package main

import (
	"github.com/JakeFAU/groupcrawl/cmd"
)

func main() {
	cmd.Execute()
}
