package blockchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"blockci/pkg/utils"
)

// Entry is the payload recorded for one container step of a job run.
type Entry struct {
	RunID     string `json:"runId"`
	Job       string `json:"job"`
	Container string `json:"container"`
	Status    string `json:"status"`
	ExitCode  int    `json:"exitCode"`
	LogPath   string `json:"logPath"`
	LogHash   string `json:"logHash"`
	AgentID   string `json:"agentId"`
}

// Block is a tamper-evident record for one container step.
type Block struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	Entry
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	PubKey    string `json:"pubKey"`
}

// canonicalData returns the JSON bytes used to compute the block hash.
// Hash, Signature and PubKey are excluded.
func (b *Block) canonicalData() ([]byte, error) {
	view := struct {
		Index     int    `json:"index"`
		Timestamp string `json:"timestamp"`
		Entry
		PrevHash string `json:"prevHash"`
	}{
		Index:     b.Index,
		Timestamp: b.Timestamp,
		Entry:     b.Entry,
		PrevHash:  b.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData
func (b *Block) ComputeHash() (string, error) {
	data, err := b.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// NewBlock constructs a block and computes its hash (no signature yet)
func NewBlock(index int, prevHash string, e Entry) (*Block, error) {
	blk := &Block{
		Index:     index,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Entry:     e,
		PrevHash:  prevHash,
	}

	h, err := blk.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute block hash: %w", err)
	}
	blk.Hash = h
	return blk, nil
}

// HashLog returns the hex SHA256 of a step log, as stored in Entry.LogHash.
func HashLog(output []byte) string {
	return utils.HashString(string(output))
}
