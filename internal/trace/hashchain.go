package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeHash computes the SHA-256 hash for an event, chaining to the previous hash.
func ComputeHash(e *Event) string {
	data := fmt.Sprintf("%s|%s|%s|%d|%s|%s",
		e.ID,
		e.SessionID,
		e.SourceID,
		e.ElapsedMicros,
		e.Activity,
		e.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeSourceSeed computes the prev_hash of the first event a source
// session writes under sessionID.
func ComputeSourceSeed(sessionID, sourceID string) string {
	hash := sha256.Sum256([]byte(sessionID + "|" + sourceID))
	return hex.EncodeToString(hash[:])
}

// VerifyChain walks the events of one session and checks hash integrity.
// Events of different sources are interleaved freely; each source's events
// must appear in write order. Returns (valid, brokenAtIndex). If valid is
// true, all hashes check out.
func VerifyChain(events []*Event) (bool, int) {
	heads := make(map[string]string)
	for i, e := range events {
		if e.Hash != ComputeHash(e) {
			return false, i
		}
		prev, seen := heads[e.SourceID]
		if !seen {
			prev = ComputeSourceSeed(e.SessionID, e.SourceID)
		}
		if e.PrevHash != prev {
			return false, i
		}
		heads[e.SourceID] = e.Hash
	}
	return true, -1
}
