package main

import "github.com/jmcleod/crossguard/cmd/crossguard/cmd"

func main() {
	cmd.Execute()
}
