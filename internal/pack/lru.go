package pack

import (
	"container/list"

	"github.com/mrkline/backpak/internal/objid"
)

// blobLRU is a small fixed-capacity least-recently-used cache of decoded
// blob bytes, private to one Reader.
type blobLRU struct {
	capacity int
	order    *list.List
	items    map[objid.ID]*list.Element
}

type lruEntry struct {
	id   objid.ID
	data []byte
}

func newBlobLRU(capacity int) *blobLRU {
	return &blobLRU{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[objid.ID]*list.Element),
	}
}

func (c *blobLRU) get(id objid.ID) ([]byte, bool) {
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).data, true
}

func (c *blobLRU) put(id objid.ID, data []byte) {
	if el, ok := c.items[id]; ok {
		el.Value.(*lruEntry).data = data
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&lruEntry{id: id, data: data})
	c.items[id] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).id)
		}
	}
}
