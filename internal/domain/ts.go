package domain

import (
	"strconv"
	"strings"
)

// TSLess compares chat timestamps of the form "<seconds>.<micros>".
func TSLess(a, b string) bool {
	as, af := splitTS(a)
	bs, bf := splitTS(b)
	if as != bs {
		return as < bs
	}
	return af < bf
}

func splitTS(ts string) (int64, int64) {
	sec, frac, _ := strings.Cut(ts, ".")
	s, _ := strconv.ParseInt(sec, 10, 64)
	// right-pad so "5" and "500000" compare as the same fraction
	for len(frac) < 6 {
		frac += "0"
	}
	f, _ := strconv.ParseInt(frac, 10, 64)
	return s, f
}
