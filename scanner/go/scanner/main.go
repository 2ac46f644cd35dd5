// The scanner watches upstream release channels and captures each new
// build's minimaps into the catalog.
package main

import (
	"go.minimaps.dev/infra/scanner/go/scanner/cmd"
)

func main() {
	cmd.Execute()
}
