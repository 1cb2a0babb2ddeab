package main

import "github.com/luryus/wden/cli/cmd"

func main() {
	cmd.Execute()
}
