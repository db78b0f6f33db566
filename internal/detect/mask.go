package detect

import "strings"

// maxMaskRunes caps the length of a masked preview.
const maxMaskRunes = 16

// Mask returns a preview of value that keeps at most the last four
// characters. Values of four characters or fewer are fully masked.
func Mask(value string) string {
	r := []rune(strings.TrimSpace(value))
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	keep := 4
	if len(r) < 8 {
		keep = 2
	}
	stars := len(r) - keep
	if stars > maxMaskRunes-keep {
		stars = maxMaskRunes - keep
	}
	return strings.Repeat("*", stars) + string(r[len(r)-keep:])
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 {
		return Mask(addr)
	}
	local := []rune(addr[:at])
	return string(local[0]) + "***" + addr[at:]
}
