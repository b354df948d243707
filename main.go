package main

import "github.com/clotho2/wolfe/cmd"

func main() {
	cmd.Execute()
}
