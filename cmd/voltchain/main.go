package main

import (
	"github.com/joho/godotenv"

	"voltchain/internal/cli"
)

func main() {
	// Missing .env is fine; the environment and config file still apply.
	_ = godotenv.Load()
	cli.Execute()
}
