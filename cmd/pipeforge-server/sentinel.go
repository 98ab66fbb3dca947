package main

import "github.com/forgeops/pipeforge/pkg/sentinel"

// runSentinel starts the sentinel supervisor for the server.
func runSentinel() {
	sentinel.Run()
}
