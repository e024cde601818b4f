package memcache

import (
	"context"
	"sync"

	"github.com/dropbox/memcluster/dlog"
	"github.com/dropbox/memcluster/hash2/hashring"
	"github.com/dropbox/memcluster/sync2"
)

// A replicated memcache client.  Keys are placed on nodes by a consistent
// hash ring; commands run through a shared Executor.
//
// Reads try the key's primary node first, then its replicas in ring order,
// and return the first successful response.  Writes go to the primary and
// every replica concurrently (best effort, no quorum) and return the first
// successful response in the same order, or the primary's response when
// every target failed.
type ClusterClient struct {
	options  Options
	ring     *hashring.HashRing
	executor *Executor
	logger   dlog.Logger
}

var _ Client = (*ClusterClient)(nil)

// This creates a client with an empty ring.  Nodes are added with AddNodes.
func NewClusterClient(options Options) (*ClusterClient, error) {
	executor, err := NewExecutor(options)
	if err != nil {
		return nil, err
	}
	options = executor.options

	return &ClusterClient{
		options:  options,
		ring:     hashring.New(options.VirtualNodes),
		executor: executor,
		logger:   options.Logger,
	}, nil
}

// AddNodes places the nodes on the ring.  Connections are opened lazily.
func (c *ClusterClient) AddNodes(nodes ...hashring.Node) {
	if len(nodes) == 0 {
		return
	}
	c.ring.AddMany(nodes)
	c.logger.Info(
		"Added memcache nodes",
		dlog.Fields{"nodes": nodes, "numNodes": c.ring.NumNodes()})
}

// RemoveNodes takes the nodes off the ring and closes their pools.
func (c *ClusterClient) RemoveNodes(nodes ...hashring.Node) {
	if len(nodes) == 0 {
		return
	}
	c.ring.RemoveMany(nodes)
	for _, node := range nodes {
		c.executor.RemoveNode(node)
	}
	c.logger.Info(
		"Removed memcache nodes",
		dlog.Fields{"nodes": nodes, "numNodes": c.ring.NumNodes()})
}

func (c *ClusterClient) Ring() *hashring.HashRing {
	return c.ring
}

func (c *ClusterClient) Executor() *Executor {
	return c.executor
}

// Close shuts down every connection pool.
func (c *ClusterClient) Close() {
	c.executor.Close()
}

// Runs run(0) ... run(n-1) with at most MaxConcurrency running at once.
// Every index runs even when ctx is done; the executor then reports the
// cancellation without touching the network.
func (c *ClusterClient) runAll(ctx context.Context, n int, run func(i int)) {
	if n == 1 {
		run(0)
		return
	}

	sem := sync2.NewUnboundedSemaphore(c.options.MaxConcurrency)
	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := sem.AcquireContext(ctx); err == nil {
				defer sem.Release()
			}
			run(i)
		}(i)
	}
	wg.Wait()
}

func (c *ClusterClient) targets(key string, replicas int) []hashring.Node {
	targets := c.ring.ResolveReplicated(key, replicas).Targets()
	if len(targets) == 0 {
		// The executor turns the empty node into an ErrNoNode response.
		return []hashring.Node{{}}
	}
	return targets
}

type getCommand interface {
	Command
	Response() GetResponse
}

func (c *ClusterClient) read(
	ctx context.Context,
	key string,
	replicas int,
	newCmd func() getCommand) (GetResponse, error) {

	var primary GetResponse
	for _, node := range c.targets(key, replicas) {
		cmd := newCmd()
		if _, err := c.executor.Execute(ctx, node, cmd); err != nil {
			return nil, err
		}
		resp := cmd.Response()
		if resp.Success() {
			return resp, nil
		}
		if primary == nil {
			primary = resp
		}
		if ctx.Err() != nil {
			break
		}
	}
	return primary, nil
}

// See Client interface for documentation.
func (c *ClusterClient) Get(
	ctx context.Context,
	key string,
	replicas int) (GetResponse, error) {

	return c.read(ctx, key, replicas, func() getCommand {
		return NewGetCommand(key)
	})
}

// See Client interface for documentation.
func (c *ClusterClient) GetAndTouch(
	ctx context.Context,
	key string,
	expiration uint32,
	replicas int) (GetResponse, error) {

	return c.read(ctx, key, replicas, func() getCommand {
		return NewGetAndTouchCommand(key, expiration)
	})
}

// See Client interface for documentation.
func (c *ClusterClient) GetMulti(
	ctx context.Context,
	keys []string,
	replicas int) (map[string]GetResponse, error) {

	results := make(map[string]GetResponse, len(keys))

	groups, err := c.ring.ResolveMany(
		ctx,
		keys,
		replicas,
		c.options.MaxConcurrency)
	if err != nil {
		for _, key := range keys {
			results[key] = NewGetErrorResponse(key, err)
		}
		return results, nil
	}

	groupResults := make([]map[string]GetResponse, len(groups))
	errs := make([]error, len(groups))
	c.runAll(ctx, len(groups), func(i int) {
		groupResults[i], errs[i] = c.getGroup(ctx, groups[i])
	})

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	for _, group := range groupResults {
		for key, resp := range group {
			results[key] = resp
		}
	}
	return results, nil
}

// Fetches a group's keys from its primary, then asks each replica in turn
// for the keys still missing.
func (c *ClusterClient) getGroup(
	ctx context.Context,
	group *hashring.KeyGroup) (map[string]GetResponse, error) {

	targets := group.Target.Targets()
	if len(targets) == 0 {
		targets = []hashring.Node{{}}
	}

	var results map[string]GetResponse
	pending := group.Keys
	for _, node := range targets {
		cmd := NewMultiGetCommand(pending)
		if _, err := c.executor.Execute(ctx, node, cmd); err != nil {
			return nil, err
		}

		responses := cmd.Responses()
		if results == nil {
			results = responses
		} else {
			for key, resp := range responses {
				if resp.Success() {
					results[key] = resp
				}
			}
		}

		var missing []string
		for _, key := range pending {
			if !results[key].Success() {
				missing = append(missing, key)
			}
		}
		if len(missing) == 0 || ctx.Err() != nil {
			break
		}
		pending = missing
	}
	return results, nil
}

// Runs one command per target and returns the commands in target order
// along with the index of the one to report.
func (c *ClusterClient) write(
	ctx context.Context,
	key string,
	replicas int,
	newCmd func() Command) ([]Command, int, error) {

	targets := c.targets(key, replicas)
	cmds := make([]Command, len(targets))
	results := make([]ExecResult, len(targets))
	errs := make([]error, len(targets))

	c.runAll(ctx, len(targets), func(i int) {
		cmds[i] = newCmd()
		results[i], errs[i] = c.executor.Execute(ctx, targets[i], cmds[i])
	})

	for _, err := range errs {
		if err != nil {
			return nil, 0, err
		}
	}

	chosen := -1
	for i, result := range results {
		if result.Success && chosen < 0 {
			chosen = i
		}
		if i > 0 && !result.Success {
			c.logger.Warn(
				"Memcache replica write failed",
				dlog.Fields{
					"key":     key,
					"node":    targets[i].Key,
					"status":  result.Status.String(),
					"message": result.Message,
				})
		}
	}
	if chosen < 0 {
		chosen = 0
	}
	return cmds, chosen, nil
}

type mutateCommand interface {
	Command
	Response() MutateResponse
}

func (c *ClusterClient) mutate(
	ctx context.Context,
	key string,
	replicas int,
	newCmd func() mutateCommand) (MutateResponse, error) {

	cmds, chosen, err := c.write(ctx, key, replicas, func() Command {
		return newCmd()
	})
	if err != nil {
		return nil, err
	}
	return cmds[chosen].(mutateCommand).Response(), nil
}

func (c *ClusterClient) store(
	ctx context.Context,
	mode StoreMode,
	item *Item,
	replicas int) (MutateResponse, error) {

	if err := validateItem(item); err != nil {
		return nil, err
	}
	return c.mutate(ctx, item.Key, replicas, func() mutateCommand {
		return NewStoreCommand(mode, item)
	})
}

// See Client interface for documentation.
func (c *ClusterClient) Set(
	ctx context.Context,
	item *Item,
	replicas int) (MutateResponse, error) {

	return c.store(ctx, StoreSet, item, replicas)
}

// See Client interface for documentation.
func (c *ClusterClient) Add(
	ctx context.Context,
	item *Item,
	replicas int) (MutateResponse, error) {

	return c.store(ctx, StoreAdd, item, replicas)
}

// See Client interface for documentation.
func (c *ClusterClient) Replace(
	ctx context.Context,
	item *Item,
	replicas int) (MutateResponse, error) {

	return c.store(ctx, StoreReplace, item, replicas)
}

// See Client interface for documentation.
func (c *ClusterClient) Append(
	ctx context.Context,
	key string,
	value []byte,
	replicas int) (MutateResponse, error) {

	return c.store(ctx, StoreAppend, &Item{Key: key, Value: value}, replicas)
}

// See Client interface for documentation.
func (c *ClusterClient) Prepend(
	ctx context.Context,
	key string,
	value []byte,
	replicas int) (MutateResponse, error) {

	return c.store(ctx, StorePrepend, &Item{Key: key, Value: value}, replicas)
}

// See Client interface for documentation.
func (c *ClusterClient) Delete(
	ctx context.Context,
	key string,
	replicas int) (MutateResponse, error) {

	return c.mutate(ctx, key, replicas, func() mutateCommand {
		return NewDeleteCommand(key, 0)
	})
}

func (c *ClusterClient) count(
	ctx context.Context,
	key string,
	replicas int,
	newCmd func() *CounterCommand) (CountResponse, error) {

	cmds, chosen, err := c.write(ctx, key, replicas, func() Command {
		return newCmd()
	})
	if err != nil {
		return nil, err
	}
	return cmds[chosen].(*CounterCommand).Response(), nil
}

// See Client interface for documentation.
func (c *ClusterClient) Increment(
	ctx context.Context,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32,
	replicas int) (CountResponse, error) {

	return c.count(ctx, key, replicas, func() *CounterCommand {
		return NewIncrementCommand(key, delta, initValue, expiration)
	})
}

// See Client interface for documentation.
func (c *ClusterClient) Decrement(
	ctx context.Context,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32,
	replicas int) (CountResponse, error) {

	return c.count(ctx, key, replicas, func() *CounterCommand {
		return NewDecrementCommand(key, delta, initValue, expiration)
	})
}

type multiMutateCommand interface {
	Command
	Responses() []MutateResponse
}

// One pipelined batch for one target of a key group.
type batchTask struct {
	indices []int // positions in the caller's input
	node    hashring.Node
	rank    int // 0 for the primary
}

// Groups keys by destination and runs one batch per (group, target).  Each
// input position gets the first successful response in target order, else
// the primary's.
func (c *ClusterClient) mutateMulti(
	ctx context.Context,
	keys []string,
	replicas int,
	newCmd func(indices []int) multiMutateCommand) ([]MutateResponse, error) {

	results := make([]MutateResponse, len(keys))
	if len(keys) == 0 {
		return results, nil
	}

	groups, err := c.ring.ResolveMany(
		ctx,
		keys,
		replicas,
		c.options.MaxConcurrency)
	if err != nil {
		for i, key := range keys {
			results[i] = NewMutateErrorResponse(key, err)
		}
		return results, nil
	}

	// Duplicate keys appear once per occurrence in the groups.
	positions := make(map[string][]int, len(keys))
	for i, key := range keys {
		positions[key] = append(positions[key], i)
	}

	tasks := []batchTask{}
	for _, group := range groups {
		indices := make([]int, 0, len(group.Keys))
		for _, key := range group.Keys {
			indices = append(indices, positions[key][0])
			positions[key] = positions[key][1:]
		}

		targets := group.Target.Targets()
		if len(targets) == 0 {
			targets = []hashring.Node{{}}
		}
		for rank, node := range targets {
			tasks = append(tasks, batchTask{
				indices: indices,
				node:    node,
				rank:    rank,
			})
		}
	}

	cmds := make([]multiMutateCommand, len(tasks))
	errs := make([]error, len(tasks))
	c.runAll(ctx, len(tasks), func(i int) {
		task := tasks[i]
		cmds[i] = newCmd(task.indices)

		var result ExecResult
		result, errs[i] = c.executor.Execute(ctx, task.node, cmds[i])
		if errs[i] == nil && task.rank > 0 && !result.Success {
			c.logger.Warn(
				"Memcache replica batch write failed",
				dlog.Fields{
					"node":    task.node.Key,
					"numKeys": len(task.indices),
					"status":  result.Status.String(),
					"message": result.Message,
				})
		}
	})

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	for i, task := range tasks {
		for j, resp := range cmds[i].Responses() {
			idx := task.indices[j]
			if results[idx] == nil || (!results[idx].Success() && resp.Success()) {
				results[idx] = resp
			}
		}
	}
	return results, nil
}

// See Client interface for documentation.
func (c *ClusterClient) SetMulti(
	ctx context.Context,
	items []*Item,
	replicas int) ([]MutateResponse, error) {

	keys := make([]string, len(items))
	for i, item := range items {
		if err := validateItem(item); err != nil {
			return nil, err
		}
		keys[i] = item.Key
	}

	return c.mutateMulti(
		ctx,
		keys,
		replicas,
		func(indices []int) multiMutateCommand {
			batch := make([]*Item, len(indices))
			for i, idx := range indices {
				batch[i] = items[idx]
			}
			return NewMultiStoreCommand(StoreSet, batch)
		})
}

// See Client interface for documentation.
func (c *ClusterClient) DeleteMulti(
	ctx context.Context,
	keys []string,
	replicas int) ([]MutateResponse, error) {

	return c.mutateMulti(
		ctx,
		keys,
		replicas,
		func(indices []int) multiMutateCommand {
			batch := make([]string, len(indices))
			for i, idx := range indices {
				batch[i] = keys[idx]
			}
			return NewMultiDeleteCommand(batch)
		})
}

// See Client interface for documentation.  The response is the first
// failure in node order, if any.
func (c *ClusterClient) Flush(ctx context.Context, delay uint32) (Response, error) {
	nodes := c.ring.GetAllNodes()
	if len(nodes) == 0 {
		nodes = []hashring.Node{{}}
	}

	cmds := make([]*FlushCommand, len(nodes))
	errs := make([]error, len(nodes))
	c.runAll(ctx, len(nodes), func(i int) {
		cmds[i] = NewFlushCommand(delay)
		_, errs[i] = c.executor.Execute(ctx, nodes[i], cmds[i])
	})

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	for _, cmd := range cmds {
		if !cmd.Response().Success() {
			return cmd.Response(), nil
		}
	}
	return cmds[0].Response(), nil
}
