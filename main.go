package main

import "github.com/nextlevelbuilder/hiboss/cmd"

func main() {
	cmd.Execute()
}
