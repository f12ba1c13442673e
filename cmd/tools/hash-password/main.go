// Command hash-password prints a pbkdf2 string for the password setting, so
// config files need not hold the plain password.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/RagingGuard/video-share/internal/auth"
)

func main() {
	var password string
	flag.StringVar(&password, "password", "", "password to hash (read from stdin when empty)")
	flag.Parse()

	if password == "" {
		read, err := readPassword(os.Stdin)
		if err != nil {
			fatalf("read password: %v", err)
		}
		password = read
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		fatalf("hash password: %v", err)
	}
	fmt.Println(hashed)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// readPassword returns the first line of r without its line ending.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", auth.ErrPasswordRequired
	}
	return line, nil
}
