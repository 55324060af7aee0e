package index

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinyoltp/kv/vos"
)

// Index maps user keys to OIDs. The transaction runtime consumes only
// these two operations; version resolution happens in the object store.
type Index interface {
	// InsertIfAbsent binds key to oid unless key is already bound.
	InsertIfAbsent(key []byte, oid vos.OID) bool
	// Search returns the OID bound to key.
	Search(key []byte) (vos.OID, bool)
}

type item struct {
	key []byte
	oid vos.OID
}

func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*item).key) < 0
}

// BTree is an ordered in-memory index over a btree.
type BTree struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

const btreeDegree = 32

// NewBTree returns an empty ordered index.
func NewBTree() *BTree {
	return &BTree{tree: btree.New(btreeDegree)}
}

func (b *BTree) InsertIfAbsent(key []byte, oid vos.OID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	probe := &item{key: key}
	if b.tree.Get(probe) != nil {
		return false
	}
	b.tree.ReplaceOrInsert(&item{key: append([]byte(nil), key...), oid: oid})
	return true
}

// Ascend walks every binding in key order, stopping when fn returns
// false. Checkpointing snapshots the index through this.
func (b *BTree) Ascend(fn func(key []byte, oid vos.OID) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.tree.Ascend(func(it btree.Item) bool {
		i := it.(*item)
		return fn(i.key, i.oid)
	})
}

func (b *BTree) Search(key []byte) (vos.OID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if it := b.tree.Get(&item{key: key}); it != nil {
		return it.(*item).oid, true
	}
	return 0, false
}
