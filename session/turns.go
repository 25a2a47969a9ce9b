package session

import (
	"sync"
	"time"
	"unicode/utf8"
)

const (
	maxTurnContent  = 500
	defaultMaxTurns = 1000
)

// Turn is one logged conversation event.
type Turn struct {
	Role    string    `json:"role"`
	Kind    string    `json:"type"`
	Content string    `json:"content"`
	At      time.Time `json:"timestamp"`
}

// TurnLog keeps the most recent turns of a session in memory
type TurnLog struct {
	turns    []Turn
	maxTurns int
	total    int
	mu       sync.Mutex
}

// NewTurnLog creates a log holding at most maxTurns entries
func NewTurnLog(maxTurns int) *TurnLog {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &TurnLog{maxTurns: maxTurns}
}

// Append records a turn, truncating its content to 500 characters. The
// oldest turn is discarded once the log is full.
func (tl *TurnLog) Append(role, kind, content string) {
	if utf8.RuneCountInString(content) > maxTurnContent {
		content = string([]rune(content)[:maxTurnContent])
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()

	if len(tl.turns) == tl.maxTurns {
		copy(tl.turns, tl.turns[1:])
		tl.turns = tl.turns[:len(tl.turns)-1]
	}
	tl.turns = append(tl.turns, Turn{Role: role, Kind: kind, Content: content, At: time.Now()})
	tl.total++
}

// Turns returns a copy of the retained turns, oldest first
func (tl *TurnLog) Turns() []Turn {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]Turn(nil), tl.turns...)
}

// Count returns how many turns were ever appended
func (tl *TurnLog) Count() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.total
}

// Clear empties the log
func (tl *TurnLog) Clear() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.turns = nil
}
