package ingress

import (
	"fmt"
	"time"
)

// Swedish personal identity numbers arrive over DTMF in one of two forms:
// ten digits (YYMMDDNNNC) or twelve digits (YYYYMMDDNNNC). The checksum
// covers the ten-digit window; the century of a ten-digit number is
// resolved against a pivot so "81" means 1981 while "12" means 2012.

// NormalizePersonnummer validates a digit sequence and returns the
// twelve-digit canonical form
func NormalizePersonnummer(digits string) (string, error) {
	return normalizePersonnummerAt(digits, time.Now())
}

func normalizePersonnummerAt(digits string, now time.Time) (string, error) {
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return "", fmt.Errorf("non-digit character at position %d", i)
		}
	}

	var century string
	var short string // YYMMDDNNNC

	switch len(digits) {
	case 10:
		short = digits
		yy := int(digits[0]-'0')*10 + int(digits[1]-'0')
		// Years after the current two-digit year cannot be this century
		if yy > now.Year()%100 {
			century = "19"
		} else {
			century = "20"
		}
	case 12:
		century = digits[:2]
		short = digits[2:]
		if century != "19" && century != "20" {
			return "", fmt.Errorf("implausible century %q", century)
		}
	default:
		return "", fmt.Errorf("expected 10 or 12 digits, got %d", len(digits))
	}

	if !luhnValid(short) {
		return "", fmt.Errorf("checksum mismatch")
	}

	return century + short, nil
}

// luhnValid checks the ten-digit window: the first nine digits are
// weighted 2,1,2,... the digit sums are added, and the control digit
// makes the total divisible by ten
func luhnValid(digits string) bool {
	if len(digits) != 10 {
		return false
	}

	sum := 0
	for i := 0; i < 9; i++ {
		d := int(digits[i] - '0')
		if i%2 == 0 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}

	control := (10 - sum%10) % 10
	return control == int(digits[9]-'0')
}
