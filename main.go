package main

import "github.com/normanking/cortexcompanion/cmd"

func main() {
	cmd.Execute()
}
