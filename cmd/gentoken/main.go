package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/antonstjernquist/merge/internal/crypto"
)

func main() {
	n := flag.Int("bytes", 32, "random bytes in the token")
	flag.Parse()

	token, err := crypto.GenerateToken(*n)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("SHARED_TOKEN=%s\n", token)
}
