package yookassa

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var errBadAmount = errors.New("bad amount")

// FormatAmount переводит минимальные единицы в строку API: 19900 -> "199.00".
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// ParseAmount переводит строку API в минимальные единицы: "199.00" -> 19900.
// Допускается не более двух знаков после точки, отрицательные суммы отвергаются.
func ParseAmount(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.HasPrefix(value, "-") || strings.HasPrefix(value, "+") {
		return 0, fmt.Errorf("%w: %q", errBadAmount, value)
	}
	whole, frac, hasFrac := strings.Cut(value, ".")
	if whole == "" || (hasFrac && (frac == "" || len(frac) > 2)) {
		return 0, fmt.Errorf("%w: %q", errBadAmount, value)
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errBadAmount, value)
	}
	var cents int64
	if hasFrac {
		if len(frac) == 1 {
			frac += "0"
		}
		cents, err = strconv.ParseInt(frac, 10, 64)
		if err != nil || strings.ContainsAny(frac, "+-") {
			return 0, fmt.Errorf("%w: %q", errBadAmount, value)
		}
	}
	return units*100 + cents, nil
}
