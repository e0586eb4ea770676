package main

import "authguard/cmd/authguard/commands"

func main() {
	commands.Execute()
}
