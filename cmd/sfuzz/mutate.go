package main

import "math/rand"

// mutator applies one randomly chosen mutation to a copy of an input: a
// single bit flip, a random byte overwrite, a length change, or a
// dictionary token splice, in the style of a minimal AFL-like havoc
// stage. One mutator belongs to exactly one worker goroutine, so its
// *rand.Rand needs no locking.
type mutator struct {
	rnd  *rand.Rand
	dict [][]byte
}

func newMutator(seed int64, dict [][]byte) *mutator {
	return &mutator{rnd: rand.New(rand.NewSource(seed)), dict: dict}
}

// Mutate returns a mutated copy of input, never modifying input itself.
func (m *mutator) Mutate(input []byte) []byte {
	if len(input) == 0 {
		return m.randBytes(1 + m.rnd.Intn(16))
	}

	choice := m.rnd.Intn(4)
	if choice == 3 && len(m.dict) == 0 {
		choice = m.rnd.Intn(3)
	}

	switch choice {
	case 0:
		return m.bitFlip(input)
	case 1:
		return m.byteSet(input)
	case 2:
		return m.resize(input)
	default:
		return m.spliceDictToken(input)
	}
}

func (m *mutator) bitFlip(input []byte) []byte {
	out := append([]byte(nil), input...)
	bit := m.rnd.Intn(len(out) * 8)
	out[bit/8] ^= 1 << uint(bit%8)
	return out
}

func (m *mutator) byteSet(input []byte) []byte {
	out := append([]byte(nil), input...)
	out[m.rnd.Intn(len(out))] = byte(m.rnd.Intn(256))
	return out
}

// resize truncates or extends input by a small random amount, the
// havoc-stage move that lets a length-sensitive guest path be reached at
// all, which bit/byte mutation alone never discovers.
func (m *mutator) resize(input []byte) []byte {
	if len(input) > 1 && m.rnd.Intn(2) == 0 {
		cut := 1 + m.rnd.Intn(len(input)-1)
		return append([]byte(nil), input[:len(input)-cut]...)
	}
	extra := m.randBytes(1 + m.rnd.Intn(8))
	return append(append([]byte(nil), input...), extra...)
}

// spliceDictToken overwrites a random window of input with a random
// dictionary token, the move that makes a magic-value equality check
// discoverable without enabling compare-coverage.
func (m *mutator) spliceDictToken(input []byte) []byte {
	out := append([]byte(nil), input...)
	tok := m.dict[m.rnd.Intn(len(m.dict))]
	if len(tok) > len(out) {
		return append(out, tok...)
	}
	offset := m.rnd.Intn(len(out) - len(tok) + 1)
	copy(out[offset:], tok)
	return out
}

func (m *mutator) randBytes(n int) []byte {
	b := make([]byte, n)
	m.rnd.Read(b)
	return b
}
