// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package fetch

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/pdiddy/sql-reviewer/pkg/types"
)

// maxNamePart bounds each human-readable part of a fingerprint so that
// artifact file names stay well below filesystem limits.
const maxNamePart = 96

var (
	invalidChars = strings.NewReplacer("<", "_", ">", "_", ":", "_", `"`, "_", "/", "_", `\`, "_", "|", "_", "?", "_", "*", "_")
	whitespace   = regexp.MustCompile(`\s+`)
)

// Sanitize makes name safe for use in a file name. A leading dot is
// replaced so the artifact is never a hidden file.
func Sanitize(name string) string {
	s := whitespace.ReplaceAllString(invalidChars.Replace(name), "_")
	if strings.HasPrefix(s, ".") {
		s = "_" + s[1:]
	}
	if len(s) <= maxNamePart {
		return s
	}
	s = s[:maxNamePart]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// normalizeSQL collapses whitespace so that formatting differences do not
// produce different fingerprints.
func normalizeSQL(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// Fingerprint derives the stable key of a query:
// <agent>__<transaction>__<hash>, where hash is xxhash64 over the agent,
// the transaction name and the query's full-text SHA1 (or its normalized
// text when the server reports no SHA1).
func Fingerprint(agentID, transaction string, q types.Query) string {
	basis := q.FullQueryTextSHA1
	if basis == "" {
		basis = normalizeSQL(q.TruncatedQueryText)
	}
	h := xxhash.New()
	_, _ = h.WriteString(agentID)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(transaction)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(basis)
	return fmt.Sprintf("%s__%s__%016x", Sanitize(agentID), Sanitize(transaction), h.Sum64())
}
