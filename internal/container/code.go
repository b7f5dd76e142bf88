// Package container validates shipping container identifiers read by OCR:
// the 11-character ISO 6346 container number and the 4-character size/type code.
package container

import (
	"regexp"
	"strings"
)

var (
	numberPattern   = regexp.MustCompile(`^[A-Z]{3}[UJZ][0-9]{7}$`)
	typeCodePattern = regexp.MustCompile(`^[1-9A-P][0-9A-Z][GVBSRHUPTA][0-9]$`)
)

// letterValues maps owner-code letters to their ISO 6346 numeric values.
// Multiples of 11 are skipped.
var letterValues = map[rune]int{
	'A': 10, 'B': 12, 'C': 13, 'D': 14, 'E': 15, 'F': 16, 'G': 17, 'H': 18,
	'I': 19, 'J': 20, 'K': 21, 'L': 23, 'M': 24, 'N': 25, 'O': 26, 'P': 27,
	'Q': 28, 'R': 29, 'S': 30, 'T': 31, 'U': 32, 'V': 34, 'W': 35, 'X': 36,
	'Y': 37, 'Z': 38,
}

// OCR confusions, applied only where the position demands a letter or a digit.
var (
	digitToLetter = map[rune]rune{'0': 'O', '1': 'I', '2': 'Z', '5': 'S', '6': 'G', '8': 'B'}
	letterToDigit = map[rune]rune{'O': '0', 'Q': '0', 'D': '0', 'I': '1', 'L': '1', 'Z': '2', 'S': '5', 'G': '6', 'B': '8'}
)

// Normalize upper-cases s and drops everything but letters and digits.
func Normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CheckDigit computes the ISO 6346 check digit over the first ten characters
// of a container number. ok is false when the prefix is malformed.
func CheckDigit(code string) (digit int, ok bool) {
	if len(code) < 10 {
		return 0, false
	}
	sum := 0
	for i, r := range code[:10] {
		var v int
		switch {
		case i < 4:
			lv, found := letterValues[r]
			if !found {
				return 0, false
			}
			v = lv
		case r >= '0' && r <= '9':
			v = int(r - '0')
		default:
			return 0, false
		}
		sum += v << i
	}
	return sum % 11 % 10, true
}

// ValidNumber reports whether s is a well-formed container number with a
// matching check digit.
func ValidNumber(s string) bool {
	if !numberPattern.MatchString(s) {
		return false
	}
	want, ok := CheckDigit(s)
	return ok && int(s[10]-'0') == want
}

// ValidTypeCode reports whether s is a plausible ISO size/type code such as
// 22G1: length and height characters, a type group letter and a digit.
func ValidTypeCode(s string) bool {
	return typeCodePattern.MatchString(s)
}

// RepairNumber fixes the usual OCR letter/digit swaps in an 11-character
// candidate: positions 0-3 must be letters, 4-10 digits.
func RepairNumber(s string) string {
	if len(s) != 11 {
		return s
	}
	out := []rune(s)
	for i, r := range out {
		if i < 4 {
			if l, ok := digitToLetter[r]; ok {
				out[i] = l
			}
		} else if d, ok := letterToDigit[r]; ok {
			out[i] = d
		}
	}
	return string(out)
}

// Find scans free text for valid container numbers. Matches are returned in
// order of appearance without duplicates.
func Find(text string) []string {
	norm := Normalize(text)
	if len(norm) < 11 {
		return nil
	}

	var found []string
	seen := make(map[string]bool)
	for i := 0; i+11 <= len(norm); i++ {
		cand := RepairNumber(norm[i : i+11])
		if ValidNumber(cand) && !seen[cand] {
			seen[cand] = true
			found = append(found, cand)
			i += 10
		}
	}
	return found
}
