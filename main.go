package main

import (
	"log"

	_ "time/tzdata"

	"web-eq/cmd"
)

func main() {
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}
}
