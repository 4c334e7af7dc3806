package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSafeName(t *testing.T) {
	for in, want := range map[string]string{
		"tile-01_a.tif":  "tile-01_a.tif",
		"s3://bkt/x y":   "s3___bkt_x_y",
		"城市":             "__",
		"../../etc/pass": ".._.._etc_pass",
	} {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEncodings(t *testing.T) {
	for _, enc := range []string{"", "utf-8", " UTF8 "} {
		if !IsUtf8Encoding(enc) {
			t.Errorf("%q not utf8", enc)
		}
	}
	if IsUtf8Encoding(ENC_GBK) {
		t.Error("gbk reported as utf8")
	}
	raw := "建筑物"
	gbk, err := Utf8StrToGbk(raw)
	if err != nil {
		t.Fatal(err)
	}
	back, err := GbkToUtf8([]byte(gbk))
	if err != nil {
		t.Fatal(err)
	}
	if string(back) != raw {
		t.Errorf("round trip got %q", back)
	}
	if got := PurifyForUtf8("ab\x00c\xff"); got != "abc" {
		t.Errorf("purify got %q", got)
	}
	if FoldName(" Building ") != FoldName("BUILDING") {
		t.Error("fold differs")
	}
}

func TestGetUniqSubDir(t *testing.T) {
	root := t.TempDir()
	a, err := GetUniqSubDir(root)
	if err != nil {
		t.Fatal(err)
	}
	b, err := GetUniqSubDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if a == b || filepath.Dir(a) != root {
		t.Errorf("dirs %s %s", a, b)
	}
	if st, err := os.Stat(a); err != nil || !st.IsDir() {
		t.Errorf("stat %v", err)
	}
}
