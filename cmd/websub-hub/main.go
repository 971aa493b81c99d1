// Command websub-hub runs the hub: ingress HTTP server, work scheduler,
// and maintenance jobs over a shared repository.
package main

import (
	"log"
	"os"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)
	if err := run(); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}
