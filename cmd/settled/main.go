package main

import (
	"log"

	"paysettle/services/settled"
)

func main() {
	if err := settled.Main(); err != nil {
		log.Fatalf("settled: %v", err)
	}
}
