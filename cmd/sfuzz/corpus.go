package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
)

// corpus is the shared, growing set of inputs every worker mutates from.
// New inputs are appended only when a case reports newly discovered
// coverage edges, and persisted under queueDir named by discovery index,
// matching the on-disk queue layout.
type corpus struct {
	mu       sync.Mutex
	inputs   [][]byte
	queueDir string
	nextIdx  int
}

func newCorpus(seeds [][]byte, queueDir string) *corpus {
	return &corpus{inputs: seeds, queueDir: queueDir}
}

// pick returns a private copy of a random corpus entry, safe for rnd's
// owning worker to mutate in place.
func (c *corpus) pick(rnd *rand.Rand) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	in := c.inputs[rnd.Intn(len(c.inputs))]
	cp := make([]byte, len(in))
	copy(cp, in)
	return cp
}

// add appends input to the corpus and writes it to queueDir under its
// discovery index.
func (c *corpus) add(input []byte) error {
	c.mu.Lock()
	idx := c.nextIdx
	c.nextIdx++
	c.inputs = append(c.inputs, input)
	c.mu.Unlock()

	path := filepath.Join(c.queueDir, fmt.Sprintf("%06d", idx))
	if err := os.WriteFile(path, input, 0o644); err != nil {
		return fmt.Errorf("write queue entry %s: %w", path, err)
	}
	return nil
}

// loadCorpus reads every regular file directly under dir as one seed
// input. Subdirectories are ignored.
func loadCorpus(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read seed corpus %s: %w", dir, err)
	}
	var seeds [][]byte
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read seed %s: %w", e.Name(), err)
		}
		seeds = append(seeds, data)
	}
	return seeds, nil
}
