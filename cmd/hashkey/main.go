// Command hashkey prints the bcrypt hash of an admin key for AUTH_ADMIN_KEY_HASH.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/orchids/transcription-service/pkg/security"
)

func main() {
	flag.Parse()

	key := flag.Arg(0)
	if key == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(os.Stderr, "usage: hashkey <admin-key>  (or pipe the key on stdin)")
			os.Exit(2)
		}
		key = strings.TrimRight(line, "\r\n")
	}

	hash, err := security.HashAdminKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
