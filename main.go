// Command savedplaces enriches saved-place exports.
package main

import (
	"github.com/JakeFAU/savedplaces/cmd"
)

func main() {
	cmd.Execute()
}
