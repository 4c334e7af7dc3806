package utils

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

const (
	ENC_UTF8  = "UTF-8"
	ENC_UTF8S = "UTF8"
	ENC_GBK   = "GBK"
)

// FoldName normalizes a class or band name for case-insensitive lookup.
// A Caser keeps state, so each call gets its own.
func FoldName(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// IsUtf8Encoding reports whether enc names UTF-8 (or is empty).
func IsUtf8Encoding(enc string) bool {
	enc = strings.ToUpper(strings.TrimSpace(enc))
	return enc == "" || enc == ENC_UTF8 || enc == ENC_UTF8S
}

// GbkToUtf8 decodes GBK encoded bytes.
func GbkToUtf8(s []byte) (d []byte, e error) {
	reader := transform.NewReader(bytes.NewReader(s), simplifiedchinese.GBK.NewDecoder())
	d, e = io.ReadAll(reader)
	return
}

// Utf8StrToGbk encodes a string as GBK.
func Utf8StrToGbk(s string) (d string, e error) {
	reader := transform.NewReader(strings.NewReader(s), simplifiedchinese.GBK.NewEncoder())
	t, e := io.ReadAll(reader)
	if e != nil {
		return
	}
	d = string(t)
	return
}

// PurifyForUtf8 drops NUL bytes and invalid UTF-8 sequences.
func PurifyForUtf8(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "")
}

// SafeName replaces characters that are unsafe in file names with '_'.
func SafeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
