package main

import "github.com/Davincible/tensorgate/cmd"

func main() {
	cmd.Execute()
}
