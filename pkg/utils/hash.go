package utils

import (
	"crypto/md5"
	"fmt"
)

// HashString is used for cache keys only, never for security purposes.
func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}
