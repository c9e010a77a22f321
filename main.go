package main

import "github.com/interchat/core/cmd"

func main() {
	cmd.Execute()
}
