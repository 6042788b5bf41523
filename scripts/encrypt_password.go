package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/barryq93/db2prom/internal/utils"
)

func main() {
	key := flag.String("key", "", "32-byte encryption key (required)")
	text := flag.String("text", "", "Text to encrypt (required)")
	flag.Parse()

	if *key == "" || *text == "" {
		fmt.Println("Usage: go run ./scripts -key <32-byte-key> -text <plaintext>")
		os.Exit(1)
	}
	if len(*key) != 32 {
		fmt.Fprintf(os.Stderr, "key must be 32 bytes long for AES-256, got %d\n", len(*key))
		os.Exit(1)
	}

	encrypted, err := utils.Encrypt(*key, *text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Encryption failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Encrypted value: %s\n", encrypted)
	fmt.Println("Copy this value into your config.yml for fields like db_passwd or basic_auth.password.")
}
