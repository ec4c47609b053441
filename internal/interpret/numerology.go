package interpret

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// LifePath sums every digit of the birth date and reduces the total,
// keeping the master numbers 11, 22 and 33.
func LifePath(birth time.Time) int {
	sum := 0
	for _, r := range birth.Format("20060102") {
		sum += int(r - '0')
	}
	return reduce(sum)
}

// Expression maps each letter of the name to 1..9 in the Pythagorean table
// (A=1 ... I=9, J=1 ...) and reduces the total.
func Expression(name string) int {
	sum := 0
	for _, r := range fold(name) {
		if r >= 'a' && r <= 'z' {
			sum += int(r-'a')%9 + 1
		}
	}
	return reduce(sum)
}

func reduce(n int) int {
	for n > 9 && n != 11 && n != 22 && n != 33 {
		s := 0
		for ; n > 0; n /= 10 {
			s += n % 10
		}
		n = s
	}
	return n
}

// fold lowercases s and strips diacritics.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

var signs = []string{
	"Áries", "Touro", "Gêmeos", "Câncer", "Leão", "Virgem",
	"Libra", "Escorpião", "Sagitário", "Capricórnio", "Aquário", "Peixes",
}

// lookupSign accepts a sign name with or without accents, any case.
func lookupSign(s string) (string, bool) {
	want := fold(strings.TrimSpace(s))
	for _, sign := range signs {
		if fold(sign) == want {
			return sign, true
		}
	}
	return "", false
}
