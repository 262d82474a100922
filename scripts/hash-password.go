// Generates the bcrypt hash expected in ADMIN_PASSWORD_HASH. Config
// validation rejects anything that is not a bcrypt hash, so this is the
// one supported way to provision admin credentials.
package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

const hashCost = 12

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-password.go <password>\n")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(os.Args[1]), hashCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(hash))
}
