package main

import "github.com/aweris/treesync/cmd/treesync/cmd"

func main() {
	cmd.Execute()
}
