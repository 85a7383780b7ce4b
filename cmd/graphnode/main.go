package main

import "github.com/vietddude/graphnode/internal/cli"

func main() {
	cli.Execute()
}
