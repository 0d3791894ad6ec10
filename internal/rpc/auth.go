package rpc

import "golang.org/x/crypto/bcrypt"

// CheckTokenInList reports whether the clear-text token matches any of
// the bcrypt hashes in the list. Malformed hashes count as no match.
func CheckTokenInList(token string, hashes []string) bool {
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(token)) == nil {
			return true
		}
	}
	return false
}
