package detect

// Luhn reports whether a string of ASCII digits passes the Luhn checksum.
// Any non-digit byte makes the check fail.
func Luhn(digits string) bool {
	if len(digits) < 2 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		n := int(c - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

// cardBrand returns the issuer for a card number's IIN prefix, or "" if
// the prefix belongs to no known brand.
func cardBrand(digits string) string {
	n := len(digits)
	p2 := prefixInt(digits, 2)
	p3 := prefixInt(digits, 3)
	p4 := prefixInt(digits, 4)

	switch {
	case digits[0] == '4' && (n == 13 || n == 16 || n == 19):
		return "visa"
	case n == 16 && (p2 >= 51 && p2 <= 55 || p4 >= 2221 && p4 <= 2720):
		return "mastercard"
	case n == 15 && (p2 == 34 || p2 == 37):
		return "amex"
	case n >= 16 && (p4 == 6011 || p2 == 65 || p3 >= 644 && p3 <= 649):
		return "discover"
	case n >= 16 && p4 >= 3528 && p4 <= 3589:
		return "jcb"
	case n >= 14 && (p3 >= 300 && p3 <= 305 || p2 == 36 || p2 == 38):
		return "diners"
	}
	return ""
}

func prefixInt(digits string, n int) int {
	if len(digits) < n {
		return -1
	}
	v := 0
	for i := 0; i < n; i++ {
		v = v*10 + int(digits[i]-'0')
	}
	return v
}
