package main

import "github.com/jmcleod/acers/cmd/acers/cmd"

func main() {
	cmd.Execute()
}
