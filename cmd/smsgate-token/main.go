// smsgate-token generates an API token and the bcrypt hash that goes
// into the [api] section of the gateway configuration.
package main

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	alphabet    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	tokenLength = 30
	bcryptCost  = 10
)

func randomToken() (string, error) {
	buf := make([]byte, tokenLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}

func main() {
	start := time.Now()

	var token string
	if len(os.Args) == 2 {
		token = os.Args[1]
	} else {
		var err error
		token, err = randomToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
			os.Exit(1)
		}
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcryptCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Time             : %f s\n", time.Since(start).Seconds())
	fmt.Printf("Hashed API Token : %s\n", hashed)
	fmt.Printf("API Token        : %s\n", token)
}
