package internal

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz156789"

var customEncoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)

// randRead is replaced in tests.
var randRead = rand.Read

func EncodeToBase32(data []byte) string {
	return customEncoding.EncodeToString(data)
}

func DecodeFromBase32(s string) ([]byte, error) {
	return customEncoding.DecodeString(s)
}

func randomBase32(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := randRead(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return EncodeToBase32(buf), nil
}

// NewRecordID returns a short human readable record id such as
// "TIC-K2MFQ7AB", prefixed with the first letters of the object type's api name.
func NewRecordID(objectAPIName string) (string, error) {
	prefix := make([]byte, 0, 3)
	for i := 0; i < len(objectAPIName) && len(prefix) < 3; i++ {
		c := objectAPIName[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			prefix = append(prefix, c)
		}
	}
	if len(prefix) == 0 {
		prefix = append(prefix, "rec"...)
	}
	suffix, err := randomBase32(5)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(string(prefix) + "-" + suffix), nil
}

// NewShareToken returns a URL-safe token carrying 32 random bytes.
func NewShareToken() (string, error) {
	return randomBase32(32)
}
