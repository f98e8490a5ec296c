// Package checkpoints implements the checkpoint subsystem: hash-pins at
// fixed heights that gate how far back an alternative chain may reach
// before history is considered immutable.
package checkpoints

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	ssixcore "github.com/cybersecuresix/ssixd"
)

// Checkpoints maps chain height to an expected block hash. Safe for
// concurrent use.
type Checkpoints struct {
	mu     sync.RWMutex
	points map[uint64]ssixcore.Hash
}

// New returns an empty checkpoint table.
func New() *Checkpoints {
	return &Checkpoints{points: make(map[uint64]ssixcore.Hash)}
}

// Add pins height to the block hash encoded in hashHex (reversed-hex,
// ssixcore.Hash's String() form). Re-adding the same height with a
// different hash is rejected; re-adding with the same hash is a no-op.
func (c *Checkpoints) Add(height uint64, hashHex string) error {
	h, err := ssixcore.HashFromHex(hashHex)
	if err != nil {
		return fmt.Errorf("checkpoints: bad hash at height %d: %w", height, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.points[height]; ok && existing != h {
		return fmt.Errorf("checkpoints: height %d already pinned to a different hash", height)
	}
	c.points[height] = h
	return nil
}

// InCheckpointZone reports whether height is at or below the highest
// pinned checkpoint, i.e. whether its hash is expected to be immutable.
func (c *Checkpoints) InCheckpointZone(height uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	top, ok := c.highestLocked()
	return ok && height <= top
}

// Check reports whether hash is the expected hash at height, and whether
// height is pinned at all (isCheckpoint). If height isn't pinned, ok is
// true (nothing to contradict) and isCheckpoint is false.
func (c *Checkpoints) Check(height uint64, hash ssixcore.Hash) (ok bool, isCheckpoint bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	want, pinned := c.points[height]
	if !pinned {
		return true, false
	}
	return want == hash, true
}

// IsAlternativeBlockAllowed rejects any alternative (non-canonical) block
// whose height is at or below the highest checkpoint that is itself at or
// below chainSize: history behind a checkpoint already absorbed into the
// canonical chain is frozen.
func (c *Checkpoints) IsAlternativeBlockAllowed(chainSize, blockHeight uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var highestApplicable uint64
	found := false
	for h := range c.points {
		if h <= chainSize && (!found || h > highestApplicable) {
			highestApplicable = h
			found = true
		}
	}
	if !found {
		return true
	}
	return blockHeight > highestApplicable
}

// Heights returns every pinned height, ascending.
func (c *Checkpoints) Heights() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint64, 0, len(c.points))
	for h := range c.points {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Checkpoints) highestLocked() (uint64, bool) {
	if len(c.points) == 0 {
		return 0, false
	}
	var top uint64
	first := true
	for h := range c.points {
		if first || h > top {
			top = h
			first = false
		}
	}
	return top, true
}

// LoadFromCSV reads "<height>,<64-hex-hash>" records from r, one per
// line; blank lines and lines starting with '#' are ignored.
func (c *Checkpoints) LoadFromCSV(r io.Reader) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			return fmt.Errorf("checkpoints: malformed CSV line %d: %q", lineNo, line)
		}
		height, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return fmt.Errorf("checkpoints: malformed height on line %d: %w", lineNo, err)
		}
		if err := c.Add(height, strings.TrimSpace(parts[1])); err != nil {
			return fmt.Errorf("checkpoints: line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

// LoadFromDNS fetches TXT records of the form "<height>:<hash>" from
// each of resolvers (DNS names hosting the records) and only accepts a
// (height, hash) pair that at least a majority of resolvers agree on.
// Uses net.LookupTXT directly — no DNS client library appears anywhere
// in the example pack, and net's resolver is the audited, canonical
// choice for this lookup.
func (c *Checkpoints) LoadFromDNS(resolvers []string) error {
	return c.loadFromDNS(resolvers, net.LookupTXT)
}

func (c *Checkpoints) loadFromDNS(resolvers []string, lookup func(name string) ([]string, error)) error {
	if len(resolvers) == 0 {
		return fmt.Errorf("checkpoints: no DNS resolvers configured")
	}
	votes := make(map[uint64]map[string]int) // height -> hashHex -> vote count
	for _, name := range resolvers {
		txts, err := lookup(name)
		if err != nil {
			continue
		}
		for _, txt := range txts {
			h, hashHex, err := parseDNSRecord(txt)
			if err != nil {
				continue
			}
			if votes[h] == nil {
				votes[h] = make(map[string]int)
			}
			votes[h][hashHex]++
		}
	}
	quorum := len(resolvers)/2 + 1
	for height, byHash := range votes {
		for hashHex, count := range byHash {
			if count >= quorum {
				if err := c.Add(height, hashHex); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func parseDNSRecord(txt string) (uint64, string, error) {
	parts := strings.SplitN(txt, ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("checkpoints: malformed DNS TXT record %q", txt)
	}
	height, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", err
	}
	return height, parts[1], nil
}
