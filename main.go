package main

import (
	"github.com/atomhq/atom-core/cmd"
)

func main() {
	cmd.Execute()
}
