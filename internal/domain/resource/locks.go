package resource

import (
	"hash/fnv"
	"sync"
)

// keyedMutex serializes versioned writes for the same (label, id) so two
// concurrent writers cannot both observe the same next version number. Keys
// are sharded over a fixed set of mutexes; two keys in the same shard merely
// contend, they stay correct.
type keyedMutex struct {
	shards [64]sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{}
}

func (k *keyedMutex) lock(label, fhirID string) func() {
	h := fnv.New32a()
	h.Write([]byte(label))
	h.Write([]byte{'|'})
	h.Write([]byte(fhirID))
	m := &k.shards[h.Sum32()%uint32(len(k.shards))]
	m.Lock()
	return m.Unlock
}
