package main

import "github.com/ocfleet/monitor/cmd"

func main() {
	cmd.Execute()
}
