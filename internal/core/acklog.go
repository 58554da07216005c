package core

import (
	"context"
	"sync"
)

// MemoryAckLog is a process-local AckLog. Deployments that hand identifiers
// to clients before commit record the acknowledgment here so a sweep after a
// crash within the same process can finish the commit.
type MemoryAckLog struct {
	mu   sync.RWMutex
	acks map[string]Acknowledgment
}

// NewMemoryAckLog returns an empty acknowledgment log.
func NewMemoryAckLog() *MemoryAckLog {
	return &MemoryAckLog{acks: make(map[string]Acknowledgment)}
}

// Record stores an acknowledgment keyed by reservation token.
func (l *MemoryAckLog) Record(ack Acknowledgment) {
	l.mu.Lock()
	l.acks[ack.Token] = ack
	l.mu.Unlock()
}

// Find implements AckLog.
func (l *MemoryAckLog) Find(_ context.Context, token string) (Acknowledgment, bool, error) {
	l.mu.RLock()
	ack, ok := l.acks[token]
	l.mu.RUnlock()
	return ack, ok, nil
}

var _ AckLog = (*MemoryAckLog)(nil)
