// Command demoapi starts the staged-vulnerability demo API used to exercise
// the scan engine end to end.
// Usage: go run ./cmd/demoapi [port]
// Default port: 9999
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/KJWesthoff/295capstone-assembly-sub001/internal/demoapi"
)

func main() {
	cfg := demoapi.DefaultConfig()

	// Optional: custom port from command line
	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port < 1 || port > 65535 {
			log.Fatalf("Invalid port: %s", os.Args[1])
		}
		cfg.Port = port
	}

	fmt.Println("===========================================")
	fmt.Println("   Demo Notes API - Scan Target")
	fmt.Println("===========================================")
	fmt.Println()
	fmt.Println("This API stages a few classic weaknesses so a")
	fmt.Println("full scan produces interesting findings:")
	fmt.Println("  - Sequential, enumerable object IDs")
	fmt.Println("  - Missing ownership checks on /users/{id}")
	fmt.Println("  - Auth that accepts any bearer token")
	fmt.Println("  - Error responses that leak internals")
	fmt.Println()
	fmt.Println("Point a scan at it with spec_ref = http://localhost:<port>/openapi.json")
	fmt.Println()

	api := demoapi.NewDemoAPI(cfg)
	if err := api.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
