package main

import (
	"log"
	"aetherupload/cmd/au/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Fatal(err)
	}
}
