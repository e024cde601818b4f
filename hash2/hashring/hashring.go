// Package hashring implements the node locator used by the memcache cluster
// client: a consistent hash ring with virtual nodes and replica selection.
//
// Every physical node occupies V+1 positions on the ring: one derived from its
// key and V virtual positions derived from key + "_virtual" + i.  A key is
// owned by the first position clockwise from the key's hash.
package hashring

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultVirtualNodes = 256

// Node is a physical cache node.  Nodes are identified by Key; the endpoint
// may change without affecting ring placement.
type Node struct {
	Key      string
	Endpoint string
}

// Returns true for the "no node" sentinel returned by an empty ring.
func (n Node) IsEmpty() bool {
	return n.Key == ""
}

// Equal compares nodes by key.
func (n Node) Equal(other Node) bool {
	return n.Key == other.Key
}

func (n Node) String() string {
	if n.Endpoint == "" {
		return n.Key
	}
	return n.Key + "@" + n.Endpoint
}

// ReplicatedNode is a primary node followed by distinct replica nodes.  The
// primary never appears in Replicas.
type ReplicatedNode struct {
	Primary  Node
	Replicas []Node
}

// Targets returns the primary followed by the replicas.
func (r ReplicatedNode) Targets() []Node {
	if r.Primary.IsEmpty() {
		return nil
	}
	targets := make([]Node, 0, len(r.Replicas)+1)
	targets = append(targets, r.Primary)
	return append(targets, r.Replicas...)
}

// GroupKey returns a string which is equal for two ReplicatedNodes iff they
// route to the same ordered set of node keys.
func (r ReplicatedNode) GroupKey() string {
	if len(r.Replicas) == 0 {
		return r.Primary.Key
	}
	parts := make([]string, 0, len(r.Replicas)+1)
	parts = append(parts, r.Primary.Key)
	for _, replica := range r.Replicas {
		parts = append(parts, replica.Key)
	}
	return strings.Join(parts, "\x00")
}

// KeyGroup is the set of keys which route to the same destination.
type KeyGroup struct {
	Target ReplicatedNode
	Keys   []string
}

// An immutable view of the ring.  hashes and owners always describe the same
// set of positions.
type snapshot struct {
	hashes   []uint64        // sorted
	owners   map[uint64]Node // position -> owning node
	physical map[string]uint64
	nodes    map[string]Node
}

var emptySnapshot = &snapshot{
	owners:   map[uint64]Node{},
	physical: map[string]uint64{},
	nodes:    map[string]Node{},
}

func hashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

func virtualKey(nodeKey string, i int) string {
	return nodeKey + "_virtual" + strconv.Itoa(i)
}

// HashRing is safe for concurrent use.  Topology mutations rebuild the
// snapshot under an exclusive lock; lookups capture the current snapshot
// once and never re-read it.
type HashRing struct {
	virtualNodes int

	mutex sync.RWMutex
	snap  *snapshot // guarded by mutex
}

// This returns an empty ring.  A non-positive virtualNodes selects
// DefaultVirtualNodes.
func New(virtualNodes int) *HashRing {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &HashRing{
		virtualNodes: virtualNodes,
		snap:         emptySnapshot,
	}
}

func (h *HashRing) VirtualNodes() int {
	return h.virtualNodes
}

func (h *HashRing) current() *snapshot {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.snap
}

// Add places a node on the ring.  Re-adding a known key refreshes its
// endpoint.
func (h *HashRing) Add(node Node) {
	h.AddMany([]Node{node})
}

// AddMany places all nodes on the ring and publishes a single snapshot.
func (h *HashRing) AddMany(nodes []Node) {
	if len(nodes) == 0 {
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	owners, physical, members := h.snap.clone()
	for _, node := range nodes {
		if node.IsEmpty() {
			continue
		}
		members[node.Key] = node

		pos := hashString(node.Key)
		owners[pos] = node
		physical[node.Key] = pos
		for i := 0; i < h.virtualNodes; i++ {
			owners[hashString(virtualKey(node.Key, i))] = node
		}
	}
	h.snap = newSnapshot(owners, physical, members)
}

// Remove takes a node off the ring.
func (h *HashRing) Remove(node Node) {
	h.RemoveMany([]Node{node})
}

// RemoveMany takes the nodes off the ring.  A new snapshot is published only
// if at least one position was actually removed.  Positions that another node
// has since overwritten are left untouched.
func (h *HashRing) RemoveMany(nodes []Node) {
	if len(nodes) == 0 {
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	owners, physical, members := h.snap.clone()
	removed := false

	removeIfOwned := func(pos uint64, key string) {
		if owner, ok := owners[pos]; ok && owner.Key == key {
			delete(owners, pos)
			removed = true
		}
	}

	for _, node := range nodes {
		if _, ok := members[node.Key]; !ok {
			continue
		}
		delete(members, node.Key)
		delete(physical, node.Key)
		removed = true

		removeIfOwned(hashString(node.Key), node.Key)
		for i := 0; i < h.virtualNodes; i++ {
			removeIfOwned(hashString(virtualKey(node.Key, i)), node.Key)
		}
	}

	if removed {
		h.snap = newSnapshot(owners, physical, members)
	}
}

// GetAllNodes returns the distinct physical nodes, sorted by key.
func (h *HashRing) GetAllNodes() []Node {
	snap := h.current()

	result := make([]Node, 0, len(snap.nodes))
	for _, node := range snap.nodes {
		result = append(result, node)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result
}

// NumNodes returns the number of physical nodes.
func (h *HashRing) NumNodes() int {
	return len(h.current().nodes)
}

// NumEntries returns the number of ring positions (physical + virtual).
func (h *HashRing) NumEntries() int {
	return len(h.current().hashes)
}

// Resolve returns the node owning key, or the empty Node if the ring is
// empty.
func (h *HashRing) Resolve(key string) Node {
	return h.current().resolve(key)
}

// ResolveReplicated returns the primary owner of key plus up to replicas
// distinct replica nodes.  When replicas >= NumNodes()-1 every other node is
// returned.
func (h *HashRing) ResolveReplicated(key string, replicas int) ReplicatedNode {
	return h.current().resolveReplicated(key, replicas)
}

// ResolveMany resolves every key against a single snapshot, using at most
// maxConcurrency workers, and groups the keys by destination.  Groups are
// ordered by primary key then group key; keys keep their input order within
// a group.  Keys are dropped into a group with an empty Target when the ring
// is empty.
func (h *HashRing) ResolveMany(
	ctx context.Context,
	keys []string,
	replicas int,
	maxConcurrency int) ([]*KeyGroup, error) {

	snap := h.current()

	targets := make([]ReplicatedNode, len(keys))
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if maxConcurrency > len(keys) {
		maxConcurrency = len(keys)
	}

	if maxConcurrency <= 1 {
		for i, key := range keys {
			targets[i] = snap.resolveReplicated(key, replicas)
		}
	} else {
		chunk := (len(keys) + maxConcurrency - 1) / maxConcurrency
		var wg sync.WaitGroup
		for start := 0; start < len(keys); start += chunk {
			end := start + chunk
			if end > len(keys) {
				end = len(keys)
			}
			wg.Add(1)
			go func(start int, end int) {
				defer wg.Done()
				for i := start; i < end; i++ {
					if ctx.Err() != nil {
						return
					}
					targets[i] = snap.resolveReplicated(keys[i], replicas)
				}
			}(start, end)
		}
		wg.Wait()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	groups := make(map[string]*KeyGroup)
	for i, key := range keys {
		groupKey := targets[i].GroupKey()
		group, ok := groups[groupKey]
		if !ok {
			group = &KeyGroup{Target: targets[i]}
			groups[groupKey] = group
		}
		group.Keys = append(group.Keys, key)
	}

	result := make([]*KeyGroup, 0, len(groups))
	for _, group := range groups {
		result = append(result, group)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Target.GroupKey() < result[j].Target.GroupKey()
	})
	return result, nil
}

func (s *snapshot) clone() (
	owners map[uint64]Node,
	physical map[string]uint64,
	nodes map[string]Node) {

	owners = make(map[uint64]Node, len(s.owners))
	for pos, node := range s.owners {
		owners[pos] = node
	}
	physical = make(map[string]uint64, len(s.physical))
	for key, pos := range s.physical {
		physical[key] = pos
	}
	nodes = make(map[string]Node, len(s.nodes))
	for key, node := range s.nodes {
		nodes[key] = node
	}
	return owners, physical, nodes
}

func newSnapshot(
	owners map[uint64]Node,
	physical map[string]uint64,
	nodes map[string]Node) *snapshot {

	hashes := make([]uint64, 0, len(owners))
	for pos := range owners {
		hashes = append(hashes, pos)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	return &snapshot{
		hashes:   hashes,
		owners:   owners,
		physical: physical,
		nodes:    nodes,
	}
}

// Index of the smallest position >= hash, wrapping to 0.  Requires a
// non-empty ring.
func (s *snapshot) search(hash uint64) int {
	idx := sort.Search(len(s.hashes), func(i int) bool {
		return s.hashes[i] >= hash
	})
	if idx == len(s.hashes) {
		return 0
	}
	return idx
}

func (s *snapshot) resolve(key string) Node {
	if len(s.hashes) == 0 {
		return Node{}
	}
	return s.owners[s.hashes[s.search(hashString(key))]]
}

func (s *snapshot) resolveReplicated(key string, replicas int) ReplicatedNode {
	primary := s.resolve(key)
	if primary.IsEmpty() || replicas <= 0 || len(s.nodes) < 2 {
		return ReplicatedNode{Primary: primary}
	}

	want := replicas
	if want > len(s.nodes)-1 {
		want = len(s.nodes) - 1
	}

	// The walk starts right after the primary's physical position.  If that
	// position was overwritten by a colliding node, the walk starts where the
	// position would have been.
	start := s.search(s.physical[primary.Key])
	if s.hashes[start] == s.physical[primary.Key] {
		start++
	}

	seen := make(map[string]struct{}, want+1)
	seen[primary.Key] = struct{}{}
	result := make([]Node, 0, want)

	for i := 0; i < len(s.hashes) && len(result) < want; i++ {
		owner := s.owners[s.hashes[(start+i)%len(s.hashes)]]
		if _, ok := seen[owner.Key]; ok {
			continue
		}
		seen[owner.Key] = struct{}{}
		result = append(result, owner)
	}

	return ReplicatedNode{Primary: primary, Replicas: result}
}
