// Command mirror keeps a document tree in step with a storage bucket.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/cli"
)

func main() {
	// A missing .env is fine; MIRROR_* may come from the real environment.
	_ = godotenv.Load()

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
