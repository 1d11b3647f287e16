package main

import "github.com/jmcleod/ironid/cmd/ironid/cmd"

func main() {
	cmd.Execute()
}
