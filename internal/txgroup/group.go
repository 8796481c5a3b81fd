// Package txgroup aggregates change events that share a source-side
// transaction so downstream systems observe the transaction atomically.
package txgroup

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

// GroupStatus is the lifecycle state of a transactional group.
type GroupStatus string

const (
	StatusActive     GroupStatus = "Active"
	StatusPreparing  GroupStatus = "Preparing"
	StatusDelivering GroupStatus = "Delivering"
	StatusCommitted  GroupStatus = "Committed"
	StatusRolledBack GroupStatus = "RolledBack"
	StatusFailed     GroupStatus = "Failed"
	StatusTimeout    GroupStatus = "Timeout"
	StatusRetrying   GroupStatus = "Retrying"
)

// IsTerminal reports whether the status ends the group's lifecycle.
func (s GroupStatus) IsTerminal() bool {
	switch s {
	case StatusCommitted, StatusRolledBack, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// DeliveryAttempt records one delivery attempt against a group.
type DeliveryAttempt struct {
	Number    int       `json:"number"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// TransactionalGroup is a set of change events sharing a source-side
// transaction id, delivered as an atomic unit.
type TransactionalGroup struct {
	TransactionID    string             `json:"transaction_id"`
	Source           string             `json:"source"`
	TenantID         string             `json:"tenant_id,omitempty"`
	StartTimestamp   time.Time          `json:"start_timestamp"`
	EndTimestamp     time.Time          `json:"end_timestamp,omitempty"`
	SequenceNumber   uint64             `json:"sequence_number"`
	Status           GroupStatus        `json:"status"`
	Events           []*cdc.ChangeEvent `json:"events"`
	Checksum         string             `json:"checksum,omitempty"`
	RetryCount       int                `json:"retry_count"`
	TimeoutSeconds   int                `json:"timeout_seconds"`
	Priority         string             `json:"priority,omitempty"`
	LastError        string             `json:"last_error,omitempty"`
	RollbackReason   string             `json:"rollback_reason,omitempty"`
	DeliveryAttempts []DeliveryAttempt  `json:"delivery_attempts,omitempty"`
}

// EventCount returns the number of events in the group.
func (g *TransactionalGroup) EventCount() int {
	return len(g.Events)
}

// IsTerminal reports whether the group has reached a terminal status.
func (g *TransactionalGroup) IsTerminal() bool {
	return g.Status.IsTerminal()
}

// Duration returns the group lifetime once terminal, zero otherwise.
func (g *TransactionalGroup) Duration() time.Duration {
	if !g.IsTerminal() || g.EndTimestamp.IsZero() {
		return 0
	}
	return g.EndTimestamp.Sub(g.StartTimestamp)
}

// Expired reports whether the group has outlived its timeout at the given
// moment. Only Active groups expire.
func (g *TransactionalGroup) Expired(now time.Time) bool {
	if g.Status != StatusActive || g.TimeoutSeconds <= 0 {
		return false
	}
	return now.Sub(g.StartTimestamp) > time.Duration(g.TimeoutSeconds)*time.Second
}

// Clone returns a copy of the group with its own slices. Events are shared;
// they are immutable along the pipeline.
func (g *TransactionalGroup) Clone() *TransactionalGroup {
	clone := *g
	clone.Events = append([]*cdc.ChangeEvent(nil), g.Events...)
	clone.DeliveryAttempts = append([]DeliveryAttempt(nil), g.DeliveryAttempts...)
	return &clone
}

// ChecksumAlgorithm selects the hash used for group checksums.
type ChecksumAlgorithm string

const (
	ChecksumMD5    ChecksumAlgorithm = "MD5"
	ChecksumSHA1   ChecksumAlgorithm = "SHA1"
	ChecksumSHA256 ChecksumAlgorithm = "SHA256"
	ChecksumSHA512 ChecksumAlgorithm = "SHA512"
)

func (a ChecksumAlgorithm) newHash() (hash.Hash, error) {
	switch a {
	case ChecksumMD5:
		return md5.New(), nil
	case ChecksumSHA1:
		return sha1.New(), nil
	case ChecksumSHA256, "":
		return sha256.New(), nil
	case ChecksumSHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("unknown checksum algorithm %q", string(a))
}

// ComputeChecksum hashes the group header fields and the ordered event
// offsets. Any reordering, addition or removal of events changes the digest.
func ComputeChecksum(g *TransactionalGroup, algorithm ChecksumAlgorithm) (string, error) {
	h, err := algorithm.newHash()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(g.TransactionID)
	b.WriteByte('|')
	b.WriteString(g.Source)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(g.SequenceNumber, 10))
	for _, event := range g.Events {
		b.WriteByte('|')
		b.WriteString(event.Offset)
	}

	h.Write([]byte(b.String()))
	return hex.EncodeToString(h.Sum(nil)), nil
}
