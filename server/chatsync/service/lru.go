package service

import "container/list"

// roomIndex is a bounded message id -> room id map. Status frames may omit the
// room id, so every message the store sees is recorded here.
type roomIndex struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type roomIndexEntry struct {
	messageID string
	roomID    string
}

func newRoomIndex(capacity int) *roomIndex {
	if capacity <= 0 {
		capacity = 5000
	}
	return &roomIndex{capacity: capacity, ll: list.New(), items: map[string]*list.Element{}}
}

func (c *roomIndex) Add(messageID, roomID string) {
	if el, ok := c.items[messageID]; ok {
		el.Value.(*roomIndexEntry).roomID = roomID
		c.ll.MoveToFront(el)
		return
	}
	c.items[messageID] = c.ll.PushFront(&roomIndexEntry{messageID: messageID, roomID: roomID})
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*roomIndexEntry).messageID)
	}
}

func (c *roomIndex) Get(messageID string) (string, bool) {
	el, ok := c.items[messageID]
	if !ok {
		return "", false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*roomIndexEntry).roomID, true
}

func (c *roomIndex) Remove(messageID string) {
	if el, ok := c.items[messageID]; ok {
		c.ll.Remove(el)
		delete(c.items, messageID)
	}
}

func (c *roomIndex) Len() int {
	return c.ll.Len()
}
