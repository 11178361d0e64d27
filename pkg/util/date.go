package util

import (
	"strings"
	"time"
)

// Longer tokens come first so "YYYY" is not eaten by "YY".
var dateTokens = []struct{ token, layout string }{
	{"YYYY", "2006"},
	{"YY", "06"},
	{"MM", "01"},
	{"DD", "02"},
	{"hh", "15"},
	{"mm", "04"},
	{"ss", "05"},
}

// FormatDateTpl formats a Unix millisecond timestamp with a template made
// of YYYY, YY, MM, DD, hh, mm and ss placeholders. Zero yields "".
//
//	FormatDateTpl(1699603200000, "DD/MM/YYYY") // "10/11/2023"
func FormatDateTpl(ts int64, tpl string) string {
	if ts == 0 {
		return ""
	}
	return FormatTimeTpl(time.UnixMilli(ts), tpl)
}

// FormatTimeTpl is FormatDateTpl for a time.Time. The zero time yields "".
func FormatTimeTpl(t time.Time, tpl string) string {
	if t.IsZero() {
		return ""
	}
	goTpl := tpl
	for _, r := range dateTokens {
		goTpl = strings.ReplaceAll(goTpl, r.token, r.layout)
	}
	return t.Format(goTpl)
}
