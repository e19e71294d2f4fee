package main

import "github.com/bjpl/resguardo/internal/cli"

func main() {
	cli.Execute()
}
