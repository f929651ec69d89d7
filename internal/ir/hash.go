package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Domain prefixes for digests. The version suffix lets the algorithm change
// without old and new keys ever colliding.
const (
	DomainIdempotency = "agentsync/idempotency/v1"
	DomainContent     = "agentsync/content/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyKey computes the at-most-once key for firing a rule on a trigger.
//
// The digest covers the rule id, the trigger action and the whole snapshot
// in canonical form. The trigger agent is not part of the key since every
// rule pins exactly one trigger agent.
// Changing what goes into this object changes which events count as
// duplicates; bump DomainIdempotency if it ever has to change.
func IdempotencyKey(ruleID, triggerAction string, snapshot IRObject) (string, error) {
	if snapshot == nil {
		snapshot = IRObject{}
	}
	obj := IRObject{
		"rule_id":        IRString(ruleID),
		"trigger_action": IRString(triggerAction),
		"snapshot":       snapshot,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("IdempotencyKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainIdempotency, canonical), nil
}

// FileChecksum returns the content digest of a file, or "" if it does not exist.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	h.Write([]byte(DomainContent))
	h.Write([]byte{0x00})
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
