package auth

import (
	"crypto/rand"
	"math/big"
)

// Alphabet is the symbol set for room IDs and token nonces.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// RandomString returns n symbols from Alphabet using crypto/rand.
func RandomString(n int) (string, error) {
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		b[i] = Alphabet[idx.Int64()]
	}
	return string(b), nil
}
