// Package glob matches keys against Redis-style glob patterns so that
// in-process stores select the same keys a SCAN MATCH would.
//
//	*      any sequence, including empty
//	?      exactly one byte
//	[abc]  one byte from the set; [^abc] negates; [a-z] ranges
//	\x     literal x
package glob

// HasMeta reports whether pattern contains any glob metacharacter.
func HasMeta(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?', '[', '\\':
			return true
		}
	}
	return false
}

// Match reports whether s matches pattern.
func Match(pattern, s string) bool {
	px, sx := 0, 0
	// backtrack point for the most recent '*'
	starP, starS := -1, 0

	for sx < len(s) {
		if px < len(pattern) {
			switch c := pattern[px]; c {
			case '*':
				starP, starS = px, sx
				px++
				continue
			case '?':
				px++
				sx++
				continue
			case '[':
				if ok, next, valid := matchClass(pattern, px, s[sx]); valid {
					if ok {
						px = next
						sx++
						continue
					}
				} else if s[sx] == '[' {
					// unterminated class is a literal '['
					px++
					sx++
					continue
				}
			case '\\':
				if px+1 < len(pattern) && pattern[px+1] == s[sx] {
					px += 2
					sx++
					continue
				}
				if px+1 == len(pattern) && s[sx] == '\\' {
					px++
					sx++
					continue
				}
			default:
				if c == s[sx] {
					px++
					sx++
					continue
				}
			}
		}
		if starP < 0 {
			return false
		}
		starS++
		px, sx = starP+1, starS
	}

	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}

// matchClass evaluates the bracket expression starting at pattern[start].
// valid is false when the class has no closing bracket.
func matchClass(pattern string, start int, b byte) (ok bool, next int, valid bool) {
	i := start + 1
	negate := false
	if i < len(pattern) && pattern[i] == '^' {
		negate = true
		i++
	}
	matched := false
	first := true
	for i < len(pattern) {
		c := pattern[i]
		if c == ']' && !first {
			if negate {
				matched = !matched
			}
			return matched, i + 1, true
		}
		first = false
		if c == '\\' && i+1 < len(pattern) {
			i++
			c = pattern[i]
		}
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			lo, hi := c, pattern[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if b >= lo && b <= hi {
				matched = true
			}
			i += 3
			continue
		}
		if c == b {
			matched = true
		}
		i++
	}
	return false, 0, false
}
