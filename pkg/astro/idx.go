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
	"fmt"
	"strings"
)

const idxDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// EncodeIdx renders a counter value in base 36 using digits 0-9A-Z, left
// zero-padded to width. Values that need more than width digits are an
// error: the identifier space for the year is exhausted.
func EncodeIdx(n uint64, width int) (string, error) {
	digits := make([]byte, 0, width)
	for n > 0 {
		digits = append(digits, idxDigits[n%36])
		n /= 36
	}
	if len(digits) > width {
		return "", fmt.Errorf("index does not fit in %d base-36 digits", width)
	}
	for len(digits) < width {
		digits = append(digits, '0')
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits), nil
}

// DecodeIdx parses a base-36 counter rendering back to its value.
func DecodeIdx(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty index")
	}
	var n uint64
	for _, r := range s {
		d := strings.IndexRune(idxDigits, r)
		if d < 0 {
			return 0, fmt.Errorf("invalid base-36 digit %q in %q", r, s)
		}
		n = n*36 + uint64(d)
	}
	return n, nil
}

// XMatchID derives the synthetic cross-match identifier for a counter value
// minted in a given year: TXV-YYYY-AAAAAA, with the counter in zero-padded
// base 36 of the configured width.
func XMatchID(year int, idx uint64, width int) (string, error) {
	enc, err := EncodeIdx(idx, width)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("TXV-%04d-%s", year, enc), nil
}
