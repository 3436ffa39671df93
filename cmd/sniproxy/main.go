package main

import (
	"github.com/munichmade/sniproxy/cmd/sniproxy/cmd"
)

func main() {
	cmd.Execute()
}
