// Package ids provides stable issue identifiers, filename slugs, and
// external-ref keys shared by the store and the upstream adapters.
package ids

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// MaxSlugLen caps slugified titles used in filenames.
const MaxSlugLen = 50

// EncodeBase36 converts a byte slice to a base36 string of the given length.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var result strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		result.WriteByte(chars[i])
	}

	str := result.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// NewIssueID creates a hash-based issue ID "prefix-xxxx". The nonce handles
// collisions: callers retry with nonce+1 until the store accepts the ID.
func NewIssueID(prefix, title, creator string, timestamp time.Time, nonce int) string {
	content := fmt.Sprintf("%s|%s|%d|%d", title, creator, timestamp.UnixNano(), nonce)
	sum := sha256.Sum256([]byte(content))
	return prefix + "-" + EncodeBase36(sum[:4], 4)
}

// Prefix returns the portion of an issue ID before the first hyphen,
// or the whole ID when it carries no prefix.
func Prefix(id string) string {
	if idx := strings.Index(id, "-"); idx > 0 {
		return id[:idx]
	}
	return id
}

// Slug converts a title into a filename-safe slug: lowercase, runs of
// non-alphanumerics collapse to single hyphens, trimmed, capped at
// MaxSlugLen characters.
func Slug(title string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > MaxSlugLen {
		s = strings.Trim(s[:MaxSlugLen], "-")
	}
	return s
}

// UnSlug is the best-effort reverse of Slug: hyphens become spaces.
// Case and punctuation are not recoverable.
func UnSlug(slug string) string {
	return strings.ReplaceAll(slug, "-", " ")
}

// Upstream names used as external-ref keys.
const (
	UpstreamGitHub = "github"
	UpstreamLinear = "linear"
	UpstreamBeads  = "beads"
	UpstreamFiles  = "files"
)

// GitHubRef formats a GitHub issue number as an external ref ("github-42").
func GitHubRef(number int) string {
	return fmt.Sprintf("github-%d", number)
}

// ParseGitHubRef extracts the issue number from a "github-N" ref.
func ParseGitHubRef(ref string) (int, bool) {
	rest, ok := strings.CutPrefix(ref, "github-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// LinearRef formats a Linear issue UUID as an external ref ("linear:uuid").
func LinearRef(id string) string {
	return "linear:" + id
}

// ParseLinearRef extracts the Linear id from a "linear:uuid" ref.
func ParseLinearRef(ref string) (string, bool) {
	return strings.CutPrefix(ref, "linear:")
}

// BeadsRef formats a beads issue id as an external ref ("beads:todo-abc").
func BeadsRef(id string) string {
	return "beads:" + id
}

// ParseBeadsRef extracts the beads id from a "beads:id" ref.
func ParseBeadsRef(ref string) (string, bool) {
	return strings.CutPrefix(ref, "beads:")
}
