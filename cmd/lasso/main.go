// Lasso is a transparent security proxy for LLM provider APIs: it rate
// limits, blocks, sanitises and audits every request before forwarding it
// with the proxy's own credentials.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	envPath := flag.String("env", ".env", "path to .env file (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("lasso", version)
		os.Exit(0)
	}

	// Missing .env is fine; config comes from real env vars then.
	_ = godotenv.Load(*envPath)

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
