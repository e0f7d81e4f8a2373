// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"sync"
)

// Journal forwards entries to a transactional sink and keeps a copy, so the
// entries can be written again after a rollback erased them from the sink.
type Journal struct {
	mu      sync.Mutex
	sink    Logger
	entries []Entry
}

func NewJournal(sink Logger) *Journal {
	if sink == nil {
		sink = Nop{}
	}
	return &Journal{sink: sink}
}

func (j *Journal) Log(ctx context.Context, e Entry) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
	j.sink.Log(ctx, e)
}

// Mark returns a position to replay from.
func (j *Journal) Mark() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// ReplaySince writes every entry logged at or after mark to the sink again
// and returns how many were written.
func (j *Journal) ReplaySince(ctx context.Context, mark int) int {
	j.mu.Lock()
	if mark < 0 {
		mark = 0
	}
	if mark > len(j.entries) {
		mark = len(j.entries)
	}
	replay := append([]Entry(nil), j.entries[mark:]...)
	j.mu.Unlock()

	for _, e := range replay {
		j.sink.Log(ctx, e)
	}
	return len(replay)
}
