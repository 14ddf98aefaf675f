package main

import (
	"github.com/sidkik/assetsync/cmd"
	"github.com/sidkik/assetsync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
