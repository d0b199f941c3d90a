package main

import "github.com/jmcleod/strongbox/cmd/strongbox/cmd"

func main() {
	cmd.Execute()
}
