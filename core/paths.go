package core

import (
	"os"
	"strings"
)

// RelativizePath rewrites an absolute path under base as a relative one,
// for readable action titles. Paths outside base pass through unchanged.
func RelativizePath(value, base string) string {
	if value == "" || base == "" {
		return value
	}
	if value == base {
		return "."
	}
	for _, sep := range []string{string(os.PathSeparator), "/"} {
		prefix := base
		if !strings.HasSuffix(prefix, sep) {
			prefix += sep
		}
		if strings.HasPrefix(value, prefix) {
			suffix := value[len(prefix):]
			if suffix == "" {
				return "."
			}
			return suffix
		}
	}
	return value
}

// RelativizeCommand strips the base directory prefix from paths embedded
// anywhere in a command line.
func RelativizeCommand(value, base string) string {
	if base == "" {
		return value
	}
	prefix := base
	if !strings.HasSuffix(prefix, string(os.PathSeparator)) {
		prefix += string(os.PathSeparator)
	}
	return strings.ReplaceAll(value, prefix, "")
}
