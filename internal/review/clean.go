// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package review

// isCJK reports whether r is a Han, Hiragana, Katakana or Hangul
// character.
func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF:
	case r >= 0x3040 && r <= 0x309F:
	case r >= 0x30A0 && r <= 0x30FF:
	case r >= 0xAC00 && r <= 0xD7AF:
	case r >= 0x1100 && r <= 0x11FF:
	default:
		return false
	}
	return true
}

func stripCJKString(s string) string {
	hasCJK := false
	for _, r := range s {
		if isCJK(r) {
			hasCJK = true
			break
		}
	}
	if !hasCJK {
		return s
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if !isCJK(r) {
			out = append(out, r)
		}
	}
	return string(out)
}

// stripCJK removes CJK characters from every string value of decoded
// JSON. Object keys are left alone.
func stripCJK(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stripCJK(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = stripCJK(e)
		}
		return t
	case string:
		return stripCJKString(t)
	default:
		return v
	}
}
