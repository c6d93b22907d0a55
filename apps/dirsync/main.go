package main

import "github.com/railzwaylabs/dirsync/internal/cli"

func main() {
	cli.Execute()
}
