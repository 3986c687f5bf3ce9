package main

import "github.com/zvshka/dk61rewrite/cmd"

func main() {
	cmd.Execute()
}
