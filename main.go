package main

import "github.com/stackhaven/warden/cmd"

func main() {
	cmd.Execute()
}
