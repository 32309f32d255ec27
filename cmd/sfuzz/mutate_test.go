package main

import "testing"

func TestMutateNeverModifiesTheInputSlice(t *testing.T) {
	m := newMutator(1, nil)
	input := []byte("hello world this is a seed")
	original := append([]byte(nil), input...)

	for i := 0; i < 50; i++ {
		m.Mutate(input)
	}
	if string(input) != string(original) {
		t.Fatalf("Mutate modified its input in place: got %q, want %q", input, original)
	}
}

func TestMutateOnEmptyInputReturnsNonEmptyBytes(t *testing.T) {
	m := newMutator(2, nil)
	out := m.Mutate(nil)
	if len(out) == 0 {
		t.Fatalf("Mutate(nil) returned an empty slice")
	}
}

func TestMutateWithDictionaryCanSpliceATokenIn(t *testing.T) {
	m := newMutator(3, [][]byte{[]byte("ABCDEF")})
	input := make([]byte, 32)

	found := false
	for i := 0; i < 200; i++ {
		out := m.spliceDictToken(input)
		if containsSubslice(out, []byte("ABCDEF")) {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("spliceDictToken never produced the dictionary token after 200 tries")
	}
}

func TestBitFlipChangesExactlyOneBit(t *testing.T) {
	m := newMutator(4, nil)
	input := []byte{0x00, 0x00, 0x00, 0x00}
	out := m.bitFlip(input)

	diffBits := 0
	for i := range input {
		diffBits += popcount(input[i] ^ out[i])
	}
	if diffBits != 1 {
		t.Fatalf("bitFlip changed %d bits, want exactly 1", diffBits)
	}
}

func containsSubslice(haystack, needle []byte) bool {
	if len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func popcount(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}
