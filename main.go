package main

import "github.com/quashbugs/magnus/cmd"

func main() {
	cmd.Execute()
}
