package service

import (
	"sort"

	"github.com/capitalize-ai/marketsync/internal/model"
)

// mergeResult describes what upsertConfirmed did with a server message.
type mergeResult int

const (
	// mergeDuplicate: the server id was already present, nothing new.
	mergeDuplicate mergeResult = iota
	// mergeSwapped: a local pending or failed entry took the server id.
	mergeSwapped
	// mergeInserted: the message is new to the list.
	mergeInserted
)

// messageList keeps a conversation's messages sorted by (timestamp, id).
type messageList struct {
	items []model.Message
}

func (l *messageList) snapshot() []model.Message {
	return append([]model.Message(nil), l.items...)
}

func (l *messageList) indexOfKey(key model.MessageKey) int {
	for i := range l.items {
		if l.items[i].Key() == key {
			return i
		}
	}
	return -1
}

// indexOfLocal finds the unconfirmed entry carrying token.
func (l *messageList) indexOfLocal(token string) int {
	if token == "" {
		return -1
	}
	for i := range l.items {
		if l.items[i].ID == "" && l.items[i].ClientToken == token {
			return i
		}
	}
	return -1
}

// indexOfConfirmedToken finds the confirmed entry that came from token.
func (l *messageList) indexOfConfirmedToken(token string) int {
	if token == "" {
		return -1
	}
	for i := range l.items {
		if l.items[i].ID != "" && l.items[i].ClientToken == token {
			return i
		}
	}
	return -1
}

func (l *messageList) insert(m model.Message) {
	i := sort.Search(len(l.items), func(i int) bool {
		return m.Before(l.items[i])
	})
	l.items = append(l.items, model.Message{})
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = m
}

func (l *messageList) removeAt(i int) model.Message {
	m := l.items[i]
	l.items = append(l.items[:i], l.items[i+1:]...)
	return m
}

// upsertConfirmed merges a message carrying a server id. A server id is stored
// at most once, and a local entry with the same correlation token is replaced
// rather than kept next to it, whichever of REST response and push echo
// arrives first.
func (l *messageList) upsertConfirmed(m model.Message) mergeResult {
	if m.State == "" || m.State == model.DeliveryPending {
		m.State = model.DeliverySent
	}

	if l.indexOfKey(model.Confirmed(m.ID)) >= 0 {
		if j := l.indexOfLocal(m.ClientToken); j >= 0 {
			l.removeAt(j)
		}
		return mergeDuplicate
	}

	if j := l.indexOfLocal(m.ClientToken); j >= 0 {
		local := l.removeAt(j)
		m.LocalID = local.LocalID
		l.insert(m)
		return mergeSwapped
	}

	l.insert(m)
	return mergeInserted
}

func (l *messageList) latest() (model.Message, bool) {
	if len(l.items) == 0 {
		return model.Message{}, false
	}
	return l.items[len(l.items)-1], true
}
