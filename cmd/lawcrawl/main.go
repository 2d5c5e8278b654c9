// Package main is the entry point for the lawcrawl binary.
package main

import "github.com/calegis/lawcrawl/cmd"

func main() {
	cmd.Execute()
}
