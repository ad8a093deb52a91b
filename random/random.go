package random

import (
	crand "crypto/rand"
	"math/big"
	mrand "math/rand"
)

const (
	charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// Upper has no lowercase letters, for identifiers read out by humans.
	Upper = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

func String(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[mrand.Intn(len(charset))]
	}
	return string(b)
}

func StringSecure(length int) (string, error) {
	return FromCharset(charset, length)
}

// FromCharset draws length characters of set from crypto/rand.
func FromCharset(set string, length int) (string, error) {
	l := big.NewInt(int64(len(set)))
	b := make([]byte, length)
	for i := range b {
		num, err := crand.Int(crand.Reader, l)
		if err != nil {
			return "", err
		}
		b[i] = set[num.Int64()]
	}
	return string(b), nil
}
