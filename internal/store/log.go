package store

import (
	"slices"

	"github.com/PaulBabatuyi/chatsync/internal/chat"
)

// insertSorted places m after every entry created at or before it, so
// arrivals with equal timestamps keep delivery order.
func insertSorted(log []chat.Message, m chat.Message) ([]chat.Message, int) {
	i := len(log)
	for i > 0 && log[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	return slices.Insert(log, i, m), i
}

// settle moves the entry at i to the nearest position that keeps the log
// ordered by creation time and returns its new index. An entry already in
// order keeps its slot.
func settle(log []chat.Message, i int) int {
	for i > 0 && log[i-1].CreatedAt.After(log[i].CreatedAt) {
		log[i-1], log[i] = log[i], log[i-1]
		i--
	}
	for i < len(log)-1 && log[i+1].CreatedAt.Before(log[i].CreatedAt) {
		log[i+1], log[i] = log[i], log[i+1]
		i++
	}
	return i
}

func indexByID(log []chat.Message, id string) int {
	return slices.IndexFunc(log, func(m chat.Message) bool { return m.ID == id })
}

func indexByClientID(log []chat.Message, clientID string) int {
	return slices.IndexFunc(log, func(m chat.Message) bool {
		return m.ClientID == clientID || m.ID == clientID
	})
}

// sortLog orders messages by creation time, keeping the relative order of
// equal timestamps.
func sortLog(log []chat.Message) {
	slices.SortStableFunc(log, func(a, b chat.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func cloneLog(log []chat.Message) []chat.Message {
	out := make([]chat.Message, len(log))
	for i := range log {
		out[i] = log[i].Clone()
	}
	return out
}
