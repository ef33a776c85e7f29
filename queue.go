package partstat

import (
	"errors"
	"sort"
	"sync"
)

// ErrUnknownHost is returned by HostTaskQueue.Peek for a host without a
// queue.
var ErrUnknownHost = errors.New("unknown host")

// HostTaskQueue holds the partitions still to be processed, one FIFO per
// host. A host's queue is removed once its last item is popped; the last
// popped item stays available through Current. HostTaskQueue is safe for
// concurrent use.
type HostTaskQueue struct {
	mu      sync.Mutex
	hosts   map[string]HostIdentity
	queues  map[string][]PartitionItem
	current map[string]PartitionItem
}

func NewHostTaskQueue() *HostTaskQueue {
	return &HostTaskQueue{
		hosts:   make(map[string]HostIdentity),
		queues:  make(map[string][]PartitionItem),
		current: make(map[string]PartitionItem),
	}
}

// Initialize appends every item of partitions to the queue of its host.
func (q *HostTaskQueue) Initialize(partitions *PartitionSet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range partitions.Items {
		key := item.Host.ShortName
		if _, ok := q.hosts[key]; !ok {
			q.hosts[key] = item.Host
		}
		q.queues[key] = append(q.queues[key], item)
	}
}

// Pop removes and returns the next item of host.
func (q *HostTaskQueue) Pop(host HostIdentity) (PartitionItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := host.ShortName
	items, ok := q.queues[key]
	if !ok || len(items) == 0 {
		return PartitionItem{}, false
	}
	item := items[0]
	if len(items) == 1 {
		delete(q.queues, key)
	} else {
		q.queues[key] = items[1:]
	}
	q.current[key] = item
	return item, true
}

// Peek returns the next item of host without removing it.
func (q *HostTaskQueue) Peek(host HostIdentity) (PartitionItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, ok := q.queues[host.ShortName]
	if !ok || len(items) == 0 {
		return PartitionItem{}, ErrUnknownHost
	}
	return items[0], nil
}

// Current returns the item of host popped last.
func (q *HostTaskQueue) Current(host HostIdentity) (PartitionItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.current[host.ShortName]
	return item, ok
}

// Len returns the number of items still queued for host.
func (q *HostTaskQueue) Len(host HostIdentity) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[host.ShortName])
}

// RemoveHost drops the queue and the current item of host. It reports
// whether there was anything to drop.
func (q *HostTaskQueue) RemoveHost(host HostIdentity) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := host.ShortName
	_, queued := q.queues[key]
	_, popped := q.current[key]
	delete(q.queues, key)
	delete(q.current, key)
	return queued || popped
}

func (q *HostTaskQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues) == 0
}

// ListHosts returns the hosts that still have queued items, ordered by
// short name.
func (q *HostTaskQueue) ListHosts() []HostIdentity {
	q.mu.Lock()
	defer q.mu.Unlock()
	hosts := make([]HostIdentity, 0, len(q.queues))
	for key := range q.queues {
		hosts = append(hosts, q.hosts[key])
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Less(hosts[j]) })
	return hosts
}
