// Copyright 2025 The Tarxiv Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package astro

import (
	"testing"
)

func TestEncodeIdx(t *testing.T) {
	cases := []struct {
		doc   string
		n     uint64
		width int
		want  string
		fails bool
	}{
		{doc: "zero pads fully", n: 0, width: 6, want: "000000"},
		{doc: "first id", n: 1, width: 6, want: "000001"},
		{doc: "decimal boundary", n: 35, width: 6, want: "00000Z"},
		{doc: "base rollover", n: 36, width: 6, want: "000010"},
		{doc: "mixed digits", n: 46655, width: 6, want: "000ZZZ"},
		{doc: "max for width", n: 36*36*36 - 1, width: 3, want: "ZZZ"},
		{doc: "overflow", n: 36 * 36 * 36, width: 3, fails: true},
	}
	for _, c := range cases {
		got, err := EncodeIdx(c.n, c.width)
		if c.fails {
			if err == nil {
				t.Errorf("%s: expected error, got %q", c.doc, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %s", c.doc, err)
		}
		if got != c.want {
			t.Errorf("%s: EncodeIdx(%d, %d) = %q, want %q", c.doc, c.n, c.width, got, c.want)
		}
	}
}

func TestDecodeIdxRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 35, 36, 1295, 1296, 46655, 2176782335} {
		enc, err := EncodeIdx(n, 6)
		if err != nil {
			t.Fatalf("EncodeIdx(%d): %s", n, err)
		}
		back, err := DecodeIdx(enc)
		if err != nil {
			t.Fatalf("DecodeIdx(%q): %s", enc, err)
		}
		if back != n {
			t.Errorf("round trip %d -> %q -> %d", n, enc, back)
		}
	}
	if _, err := DecodeIdx("00a0"); err == nil {
		t.Error("lowercase digit accepted")
	}
	if _, err := DecodeIdx(""); err == nil {
		t.Error("empty index accepted")
	}
}

func TestXMatchID(t *testing.T) {
	got, err := XMatchID(2025, 1, 6)
	if err != nil {
		t.Fatal(err)
	}
	if want := "TXV-2025-000001"; got != want {
		t.Errorf("XMatchID = %q, want %q", got, want)
	}
	if _, err := XMatchID(2025, 1<<63, 6); err == nil {
		t.Error("expected overflow error")
	}
}
