package inbox

import (
	"sync"

	"github.com/stellarlinkco/inboxd/internal/model"
)

// List owns the conversation list and the current selection. All methods are
// safe for concurrent use.
type List struct {
	mu       sync.Mutex
	items    []Conversation
	selected string
}

func NewList() *List {
	return &List{}
}

// NotArchiving is the default neighbor eligibility rule.
func NotArchiving(c Conversation) bool {
	return !c.Archiving()
}

// Replace swaps in a freshly grouped list. The selection survives if the
// selected conversation is still present.
func (l *List) Replace(convs []Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append([]Conversation(nil), convs...)
	if l.indexOf(l.selected) < 0 {
		l.selected = ""
	}
}

func (l *List) Snapshot() []Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Conversation(nil), l.items...)
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *List) Get(id string) (Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexOf(id); i >= 0 {
		return l.items[i], true
	}
	return Conversation{}, false
}

func (l *List) Selected() (Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexOf(l.selected); i >= 0 {
		return l.items[i], true
	}
	return Conversation{}, false
}

// Select makes id the current selection. An empty id clears it.
func (l *List) Select(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id == "" {
		l.selected = ""
		return true
	}
	if l.indexOf(id) < 0 {
		return false
	}
	l.selected = id
	return true
}

// UpsertStatus sets the visible status of a conversation and every message in
// it. It reports whether the conversation exists.
func (l *List) UpsertStatus(id string, status model.Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	conv := l.items[i]
	msgs := make([]model.StagedMessage, len(conv.Messages))
	for j, m := range conv.Messages {
		m.Status = status
		msgs[j] = m
	}
	conv.Messages = msgs
	conv.Status = status
	conv.Latest.Status = status
	l.items[i] = conv
	return true
}

// SelectNeighbor moves the selection off id when id is selected, using the
// neighbor rule against the current list. It returns the new selection.
func (l *List) SelectNeighbor(id string, eligible func(Conversation) bool) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.selected == id {
		l.selected = l.neighbor(id, eligible)
	}
	return l.selected
}

// Remove drops id from the list. If id was selected, the neighbor is computed
// against the list before removal and becomes the selection. It returns the
// selection after removal.
func (l *List) Remove(id string, eligible func(Conversation) bool) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(id)
	if i < 0 {
		return l.selected
	}
	if l.selected == id {
		l.selected = l.neighbor(id, eligible)
	}
	l.items = append(l.items[:i:i], l.items[i+1:]...)
	return l.selected
}

// neighbor returns the first eligible entry after id, else the nearest
// eligible entry before it, else "".
func (l *List) neighbor(id string, eligible func(Conversation) bool) string {
	if eligible == nil {
		eligible = NotArchiving
	}
	i := l.indexOf(id)
	if i < 0 {
		return ""
	}
	for j := i + 1; j < len(l.items); j++ {
		if eligible(l.items[j]) {
			return l.items[j].ID
		}
	}
	for j := i - 1; j >= 0; j-- {
		if eligible(l.items[j]) {
			return l.items[j].ID
		}
	}
	return ""
}

func (l *List) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, c := range l.items {
		if c.ID == id {
			return i
		}
	}
	return -1
}
