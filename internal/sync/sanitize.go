package sync

import (
	"strings"
	"unicode"
)

// junkFiles are system files that never become documents and are removed
// when pruning.
var junkFiles = map[string]bool{
	".DS_Store":   true,
	"Thumbs.db":   true,
	"desktop.ini": true,
}

// SanitizeFolderName maps a customer name to its folder name under the
// upload root. Letters, numbers of any kind ("²", "½", "Ⅳ"), spaces,
// underscores and hyphens are kept, trailing whitespace is trimmed and
// spaces become underscores:
//
//	"Acme, Inc. & Co." -> "Acme_Inc__Co"
//
// Runs of underscores are not collapsed, so the mapping is stable for
// folders created by earlier versions. Applying it twice changes nothing.
func SanitizeFolderName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || r == ' ' || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	kept := strings.TrimRightFunc(b.String(), unicode.IsSpace)
	return strings.ReplaceAll(kept, " ", "_")
}

// IsHidden reports whether a file name is a dotfile or a known system file.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".") || junkFiles[name]
}
