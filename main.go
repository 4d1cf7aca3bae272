package main

import "github.com/rebase-inc/skillscanner/cmd"

func main() {
	cmd.Execute()
}
