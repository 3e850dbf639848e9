package memory

import (
	"hash/fnv"
	"sync"
)

// keyMutex serializes writes per (owner, agent, key) by hashing the tuple
// onto a fixed stripe set. Different keys proceed in parallel; hash
// collisions cost only unnecessary serialization.
type keyMutex struct {
	stripes [keyMutexStripes]sync.Mutex
}

const keyMutexStripes = 128

func (m *keyMutex) lock(owner, agent, key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(agent))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	stripe := &m.stripes[h.Sum32()%keyMutexStripes]
	stripe.Lock()
	return stripe.Unlock
}
