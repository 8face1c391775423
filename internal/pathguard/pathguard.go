// Package pathguard validates and normalizes the relative paths that flow
// through the sync protocol, and provides the base64url path token codec
// used in chunk-upload URLs. Every path that crosses a trust boundary
// (manifest entries, chunk PUTs, delete requests) passes through Validate
// before it is ever joined to a dataset root.
package pathguard

import (
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// ErrInvalidPath is returned for any candidate path that fails validation.
// Callers map it to HTTP 400.
var ErrInvalidPath = errors.New("invalid path")

// invalidSegmentChars are characters rejected in any path segment. The set
// is the Windows invalid-filename set; enforcing it on all platforms keeps
// datasets portable between case-insensitive and case-sensitive hosts.
const invalidSegmentChars = `<>:"|?*`

// Normalize converts a candidate path to POSIX form by replacing
// backslashes with forward slashes. It performs no validation.
func Normalize(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// Validate normalizes the candidate and returns its POSIX relative form,
// or ErrInvalidPath. Rejected: empty or whitespace-only paths, absolute
// and UNC paths, ".." segments, empty segments, and segments containing
// control characters, NUL, or Windows-reserved characters.
func Validate(candidate string) (string, error) {
	if strings.TrimSpace(candidate) == "" {
		return "", fmt.Errorf("pathguard: empty path: %w", ErrInvalidPath)
	}

	p := Normalize(candidate)

	if isRooted(p) {
		return "", fmt.Errorf("pathguard: rooted path %q: %w", candidate, ErrInvalidPath)
	}

	for _, seg := range strings.Split(p, "/") {
		if err := validateSegment(seg); err != nil {
			return "", fmt.Errorf("pathguard: path %q: %w", candidate, err)
		}
	}

	return p, nil
}

// isRooted reports whether a normalized path is absolute, UNC, or carries
// a Windows drive prefix.
func isRooted(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}

	// Drive letter, e.g. "C:" or "C:/x".
	if len(p) >= 2 && p[1] == ':' && isASCIILetter(p[0]) {
		return true
	}

	return false
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// validateSegment rejects empty segments, "..", and illegal characters.
// A single "." segment is harmless but rejected too: a well-formed client
// never produces one, so its presence signals a hand-crafted path.
func validateSegment(seg string) error {
	if seg == "" {
		return fmt.Errorf("empty segment: %w", ErrInvalidPath)
	}

	if seg == ".." || seg == "." {
		return fmt.Errorf("dot segment: %w", ErrInvalidPath)
	}

	for _, r := range seg {
		if r == 0 || unicode.IsControl(r) {
			return fmt.Errorf("control character in segment: %w", ErrInvalidPath)
		}

		if strings.ContainsRune(invalidSegmentChars, r) {
			return fmt.Errorf("reserved character %q in segment: %w", r, ErrInvalidPath)
		}
	}

	return nil
}

// ValidateName validates a single path segment such as a dataset or
// client identifier that will become a directory component on the server.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("pathguard: empty name: %w", ErrInvalidPath)
	}

	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("pathguard: separator in name %q: %w", name, ErrInvalidPath)
	}

	if err := validateSegment(name); err != nil {
		return fmt.Errorf("pathguard: name %q: %w", name, err)
	}

	return nil
}

// SafeJoin validates relPath, joins it to root, and verifies that the
// resulting absolute path stays strictly under root. The prefix check is
// case-insensitive, matching the protocol's path comparison rule. Returns
// the absolute target path.
func SafeJoin(root, relPath string) (string, error) {
	rel, err := Validate(relPath)
	if err != nil {
		return "", err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("pathguard: resolving root %q: %w", root, err)
	}

	joined := filepath.Join(absRoot, filepath.FromSlash(rel))

	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("pathguard: resolving %q: %w", joined, err)
	}

	prefix := absRoot + string(filepath.Separator)
	if !strings.EqualFold(abs[:min(len(abs), len(prefix))], prefix) {
		return "", fmt.Errorf("pathguard: %q escapes root: %w", relPath, ErrInvalidPath)
	}

	return abs, nil
}

// EncodeToken encodes a relative path as a URL-safe base64 token with
// padding stripped, for use as a path element in chunk-upload URLs.
func EncodeToken(relPath string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(relPath))
}

// DecodeToken reverses EncodeToken. Tokens with standard-alphabet
// characters or padding are rejected.
func DecodeToken(token string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("pathguard: decoding path token: %w", ErrInvalidPath)
	}

	return string(b), nil
}

// Equal reports whether two normalized relative paths refer to the same
// file under the protocol's case-insensitive comparison rule.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Key returns the canonical case-insensitive map key for a normalized
// relative path.
func Key(p string) string {
	return strings.ToLower(p)
}
