// The main package for the downloader executable.
package main

import (
	"github.com/JakeFAU/creator-downloader/cmd"
)

func main() {
	cmd.Execute()
}
