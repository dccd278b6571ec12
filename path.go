package treesync

import (
	"path"
	"regexp"
	"strings"
)

// ManifestPath is reserved for the archive manifest and never appears in
// diff or merge change-sets.
const ManifestPath = "/dat.json"

var validPathRegex = regexp.MustCompile(`^[a-zA-Z0-9\-._~!$&'()*+,;=:@/ ]*$`)

// ValidatePath rejects paths with characters outside the allow-list. Percent
// escapes are rejected, so "/foo%20bar" fails while "/foo bar" passes.
func ValidatePath(p string) error {
	if !validPathRegex.MatchString(p) {
		return Errorf(CodeInvalidPath, "validate", p, "path contains invalid characters")
	}
	return nil
}

// ValidateFilePath is ValidatePath plus the rule that a file target cannot
// end in a slash.
func ValidateFilePath(p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if p == "" || strings.HasSuffix(p, "/") {
		return Errorf(CodeInvalidPath, "validate", p, "files can not have a trailing slash")
	}
	return nil
}

// NormalizePath returns p cleaned, rooted and slash-separated.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// JoinPath joins elements and normalizes the result.
func JoinPath(elem ...string) string {
	return NormalizePath(path.Join(elem...))
}

// SplitPath returns the segments of p, with none for the root.
func SplitPath(p string) []string {
	p = strings.Trim(NormalizePath(p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func parentPath(p string) string {
	return path.Dir(NormalizePath(p))
}

func baseName(p string) string {
	return path.Base(NormalizePath(p))
}

// isWithin reports whether p equals root or lies under it.
func isWithin(p, root string) bool {
	p, root = NormalizePath(p), NormalizePath(root)
	if root == "/" || p == root {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}
