package normalization

import (
	"math"
	"testing"
)

func TestArabic(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"مُنَاقَصَة", "مناقصه"},
		{"  وزارة الأشغال   العامة ", "وزاره الاشغال العامه"},
		{"رقم ٢٠٢٤/١٥", "رقم 2024/15"},
		{"الـــعامة", "العامه"},
		{"إعلان عن مزايدة", "اعلان عن مزايده"},
		{"مستشفى", "مستشفي"},
		{"ﻻ", "لا"},
		{"Ministry OF Health ۱۲", "ministry of health 12"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Arabic(tc.in); got != tc.want {
			t.Fatalf("Arabic(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestArabicIsIdempotent(t *testing.T) {
	in := "آخر موعد لتقديم العطاءات ٢٠/١٢/٢٠٢٤"
	once := Arabic(in)
	if twice := Arabic(once); twice != once {
		t.Fatalf("not idempotent: %q then %q", once, twice)
	}
}

func TestCompactAndDigits(t *testing.T) {
	if got := Compact("رقم: ٢٠٢٤ - ١٥"); got != "رقم202415" {
		t.Fatalf("Compact=%q", got)
	}
	if got := FoldDigits("٠١٢٣٤٥٦٧٨٩ ۰۱۲۳۴۵۶۷۸۹"); got != "0123456789 0123456789" {
		t.Fatalf("FoldDigits=%q", got)
	}
	if ArabicPtr(nil) != nil {
		t.Fatalf("ArabicPtr(nil) should be nil")
	}
}

func TestArabicRatio(t *testing.T) {
	if r := ArabicRatio("abcd"); r != 0 {
		t.Fatalf("latin ratio=%v", r)
	}
	if r := ArabicRatio("1234 !!"); r != 0 {
		t.Fatalf("no letters ratio=%v", r)
	}
	if r := ArabicRatio("مناقصة"); r != 1 {
		t.Fatalf("arabic ratio=%v", r)
	}
	if r := ArabicRatio("ab من"); math.Abs(r-0.5) > 1e-9 {
		t.Fatalf("mixed ratio=%v", r)
	}
}
