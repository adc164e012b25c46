package main

import (
	"github.com/nextlevelbuilder/borg/cmd/borg"
)

func main() {
	borg.Execute()
}
