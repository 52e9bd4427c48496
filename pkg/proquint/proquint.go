// Copyright 2018 The Kura Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proquint spells numbers as pronounceable words, each word
// holding 16 bits as alternating consonants and vowels:
//
//	0 1 2 3 4 5 6 7 8 9 A B C D E F
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|con    |vo |con    |vo |con    |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Four bits are a consonant (b d f g h j k l m n p r s t v z), two bits a
// vowel (a i o u). Words are joined with '-', most significant first.
package proquint

import (
	"fmt"
	"strings"
)

const (
	consonants = "bdfghjklmnprstvz"
	vowels     = "aiou"
)

func appendWord(b []byte, i uint16) []byte {
	for j := 0; j < 5; j++ {
		if j%2 == 0 {
			b = append(b, consonants[i>>12])
			i <<= 4
		} else {
			b = append(b, vowels[i>>14])
			i <<= 2
		}
	}
	return b
}

func encode(i uint64, words int) string {
	b := make([]byte, 0, words*6-1)
	for w := words - 1; w >= 0; w-- {
		if len(b) > 0 {
			b = append(b, '-')
		}
		b = appendWord(b, uint16(i>>(16*uint(w))))
	}
	return string(b)
}

func Uint16(i uint16) string { return encode(uint64(i), 1) }
func Uint32(i uint32) string { return encode(uint64(i), 2) }
func Uint64(i uint64) string { return encode(i, 4) }

func parseWord(w string) (uint16, error) {
	if len(w) != 5 {
		return 0, fmt.Errorf("proquint: bad word %q", w)
	}
	var i uint16
	for j := 0; j < 5; j++ {
		set, bits := consonants, uint(4)
		if j%2 == 1 {
			set, bits = vowels, 2
		}
		k := strings.IndexByte(set, w[j])
		if k < 0 {
			return 0, fmt.Errorf("proquint: bad word %q", w)
		}
		i = i<<bits | uint16(k)
	}
	return i, nil
}

// Parse decodes one to four words.
func Parse(s string) (uint64, error) {
	words := strings.Split(s, "-")
	if len(words) > 4 {
		return 0, fmt.Errorf("proquint: %q has more than 64 bits", s)
	}
	var i uint64
	for _, w := range words {
		v, err := parseWord(w)
		if err != nil {
			return 0, err
		}
		i = i<<16 | uint64(v)
	}
	return i, nil
}
