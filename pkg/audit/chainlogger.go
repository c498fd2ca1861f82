package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// DefaultRetention is how many entries a ChainLogger keeps in memory.
const DefaultRetention = 1024

// LogEntry represents a single audit log entry
type LogEntry struct {
	Sequence     uint64 `json:"seq"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger is an append-only, hash-chained record of ledger events.
// Each entry commits to its predecessor, so editing or dropping an entry
// breaks VerifyChain for everything after it.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	seq          uint64
	retained     []*LogEntry
	retention    int
	sink         io.Writer
	now          func() time.Time
}

// NewChainLogger creates a new ChainLogger initialized with a zero hash.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{
		previousHash: strings.Repeat("0", 64),
		retention:    DefaultRetention,
		now:          time.Now,
	}
}

// NewChainLoggerWithSink also writes every entry as a JSON line to w.
func NewChainLoggerWithSink(w io.Writer) *ChainLogger {
	c := NewChainLogger()
	c.sink = w
	return c
}

// Append adds a new log entry to the chain.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	entry := &LogEntry{
		Sequence:     c.seq,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = hashEntry(entry.PreviousHash, entry)
	c.previousHash = entry.Hash

	c.retained = append(c.retained, entry)
	if over := len(c.retained) - c.retention; over > 0 {
		c.retained = append([]*LogEntry(nil), c.retained[over:]...)
	}

	if c.sink != nil {
		line, err := json.Marshal(entry)
		if err == nil {
			_, _ = c.sink.Write(append(line, '\n'))
		}
	}
	return entry
}

// Entries returns the retained entries, oldest first.
func (c *ChainLogger) Entries() []*LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*LogEntry, len(c.retained))
	for i, e := range c.retained {
		cp := *e
		out[i] = &cp
	}
	return out
}

// Head returns the hash of the latest entry.
func (c *ChainLogger) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousHash
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 {
			prevHash = entries[i-1].Hash
			if entry.PreviousHash != prevHash || entry.Sequence != entries[i-1].Sequence+1 {
				return false
			}
		}
		if hashEntry(prevHash, entry) != entry.Hash {
			return false
		}
	}
	return true
}

func hashEntry(prevHash string, e *LogEntry) string {
	hashInput := fmt.Sprintf("%s|%d|%s|%s", prevHash, e.Sequence, e.Timestamp, e.Payload)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}
