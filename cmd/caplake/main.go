// Package main hosts the caplake executable.
package main

import "github.com/caplake/caplake/cmd"

func main() {
	cmd.Execute()
}
