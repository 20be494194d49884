// Command keygen creates a client key. Only its hash goes into
// auth.key_hashes in aiproxy.yaml; the key itself is shown once.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/af-corp/aiproxy/internal/auth"
)

func main() {
	env := flag.String("env", "prod", "environment segment of the key")
	hashOnly := flag.Bool("hash", false, "hash an existing key read from -key instead of generating one")
	existing := flag.String("key", "", "existing key to hash (with -hash)")
	flag.Parse()

	if *hashOnly {
		if *existing == "" {
			flag.Usage()
			fmt.Fprintln(os.Stderr, "\nerror: -key is required with -hash")
			os.Exit(1)
		}
		fmt.Println(auth.HashKey(*existing))
		return
	}

	rawKey, err := auth.GenerateKey(*env)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}

	fmt.Println("=== aiproxy client key ===")
	fmt.Println()
	fmt.Printf("  Key Prefix: %s\n", auth.KeyPrefix(rawKey))
	fmt.Printf("  Key Hash:   %s\n", auth.HashKey(rawKey))
	fmt.Println()
	fmt.Println("  Add the hash to auth.key_hashes. The key will NOT be shown again:")
	fmt.Printf("  %s\n", rawKey)
	fmt.Println()
	fmt.Println("==========================")
}
