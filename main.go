package main

import "github.com/tsawler/vggtrain/cmd"

func main() {
	cmd.Execute()
}
