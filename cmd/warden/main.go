package main

import "github.com/marcus/warden/cmd/warden/commands"

func main() {
	commands.Execute()
}
