package blockchain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"blockci/internal/security"
)

// Ledger is an append-only chain of signed blocks persisted as JSON lines.
type Ledger struct {
	mu     sync.Mutex
	blocks []*Block
	path   string
}

// OpenLedger loads an existing ledger file or creates an empty one.
// Ledger file format: JSON lines (one JSON block per line).
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{
		blocks: make([]*Block, 0),
		path:   path,
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
		return l, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return l, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var blk Block
		if err := dec.Decode(&blk); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
		}
		l.blocks = append(l.blocks, &blk)
	}
	return l, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Append records e as the next block, chaining and signing it under the
// ledger lock so concurrent jobs cannot race on index or prevHash.
func (l *Ledger) Append(e Entry, keys security.KeyPair) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := ""
	if n := len(l.blocks); n > 0 {
		prev = l.blocks[n-1].Hash
	}
	b, err := NewBlock(len(l.blocks), prev, e)
	if err != nil {
		return nil, err
	}
	if err := l.appendLocked(b, keys); err != nil {
		return nil, err
	}
	return b, nil
}

func (l *Ledger) appendLocked(b *Block, keys security.KeyPair) error {
	// recompute and set hash to be sure block canonical fields match
	h, err := b.ComputeHash()
	if err != nil {
		return fmt.Errorf("cannot recompute block hash: %w", err)
	}
	b.Hash = h

	if len(l.blocks) > 0 {
		last := l.blocks[len(l.blocks)-1]
		if b.PrevHash != last.Hash {
			return fmt.Errorf("prevHash mismatch: expected %s, got %s", last.Hash, b.PrevHash)
		}
	}

	if len(keys.Private) == 0 {
		return fmt.Errorf("private key is empty, cannot sign block")
	}
	b.Signature = security.SignData(keys.Private, []byte(b.Hash))
	b.PubKey = keys.PublicHex()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(b); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}

	l.blocks = append(l.blocks, b)
	return nil
}

// Blocks returns the blocks in chain order. The slice is a copy; the
// blocks are shared.
func (l *Ledger) Blocks() []*Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// RunBlocks returns the blocks recorded for one run.
func (l *Ledger) RunBlocks(runID string) []*Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Block
	for _, b := range l.blocks {
		if b.RunID == runID {
			out = append(out, b)
		}
	}
	return out
}

// NextIndex returns the index the next block gets, which is also the
// number of blocks.
func (l *Ledger) NextIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}

// LastHash returns the last block hash (or empty if none)
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.blocks) == 0 {
		return ""
	}
	return l.blocks[len(l.blocks)-1].Hash
}
