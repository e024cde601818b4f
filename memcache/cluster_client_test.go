package memcache

import (
	"context"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	. "gopkg.in/check.v1"

	"github.com/dropbox/memcluster/dlog"
	"github.com/dropbox/memcluster/errors"
	. "github.com/dropbox/memcluster/gocheck2"
	"github.com/dropbox/memcluster/hash2/hashring"
)

type ClusterClientSuite struct {
	servers map[string]*fakeServer // by node key
	nodes   []hashring.Node
	logs    *observer.ObservedLogs
	client  *ClusterClient
}

var _ = Suite(&ClusterClientSuite{})

func (s *ClusterClientSuite) SetUpTest(c *C) {
	s.servers = make(map[string]*fakeServer)
	s.nodes = nil
	for i := 1; i <= 5; i++ {
		server := startFakeServer(c)
		node := hashring.Node{
			Key:      fmt.Sprintf("node%d", i),
			Endpoint: server.Address(),
		}
		s.servers[node.Key] = server
		s.nodes = append(s.nodes, node)
	}

	core, logs := observer.New(zap.DebugLevel)
	s.logs = logs

	client, err := NewClusterClient(Options{
		MaxPoolSize:    4,
		ReceiveTimeout: 200 * time.Millisecond,
		VirtualNodes:   64,
		Logger:         dlog.NewZapLogger(zap.New(core)),
	})
	c.Assert(err, IsNil)
	client.AddNodes(s.nodes...)
	s.client = client
}

func (s *ClusterClientSuite) TearDownTest(c *C) {
	s.client.Close()
	for _, server := range s.servers {
		server.Close()
	}
}

// Keys of the nodes whose fake server holds key.
func (s *ClusterClientSuite) holders(key string) map[string]bool {
	result := map[string]bool{}
	for nodeKey, server := range s.servers {
		if _, ok := server.Item(key); ok {
			result[nodeKey] = true
		}
	}
	return result
}

func nodeKeys(nodes []hashring.Node) map[string]bool {
	result := map[string]bool{}
	for _, node := range nodes {
		result[node.Key] = true
	}
	return result
}

func (s *ClusterClientSuite) TestSetReplicatesAndGetFallsBack(c *C) {
	ctx := context.Background()
	key := "user:42"

	resp, err := s.client.Set(ctx, &Item{Key: key, Value: []byte("v")}, 2)
	c.Assert(err, IsNil)
	c.Assert(resp.Success(), IsTrue, Commentf("%s", spew.Sdump(resp)))

	target := s.client.Ring().ResolveReplicated(key, 2)
	c.Assert(target.Replicas, HasLen, 2)
	c.Assert(s.holders(key), DeepEquals, nodeKeys(target.Targets()))
	c.Assert(resp.Node(), Equals, target.Primary.Endpoint)

	got, err := s.client.Get(ctx, key, 1)
	c.Assert(err, IsNil)
	c.Assert(got.Success(), IsTrue)
	c.Assert(got.Node(), Equals, target.Primary.Endpoint)

	// Lose the primary's copy: r=0 misses, r=1 is served by the first
	// replica.
	s.servers[target.Primary.Key].Remove(key)

	got, err = s.client.Get(ctx, key, 0)
	c.Assert(err, IsNil)
	c.Assert(got.Success(), IsFalse)
	c.Assert(got.Status(), Equals, StatusKeyNotFound)
	c.Assert(got.Error(), IsNil)

	got, err = s.client.Get(ctx, key, 1)
	c.Assert(err, IsNil)
	c.Assert(got.Success(), IsTrue)
	c.Assert(string(got.Value()), Equals, "v")
	c.Assert(got.Node(), Equals, target.Replicas[0].Endpoint)
}

func (s *ClusterClientSuite) TestWriteSurvivesPrimaryFailure(c *C) {
	ctx := context.Background()
	key := "k"
	target := s.client.Ring().ResolveReplicated(key, 1)
	s.servers[target.Primary.Key].set(func(s *fakeServer) { s.garbage = true })

	resp, err := s.client.Set(ctx, &Item{Key: key, Value: []byte("v")}, 1)
	c.Assert(err, IsNil)
	c.Assert(resp.Success(), IsTrue)
	c.Assert(resp.Node(), Equals, target.Replicas[0].Endpoint)

	got, err := s.client.Get(ctx, key, 1)
	c.Assert(err, IsNil)
	c.Assert(got.Success(), IsTrue)
	c.Assert(got.Node(), Equals, target.Replicas[0].Endpoint)
}

func (s *ClusterClientSuite) TestWriteFailsEverywhere(c *C) {
	ctx := context.Background()
	key := "k"
	target := s.client.Ring().ResolveReplicated(key, 1)
	for _, node := range target.Targets() {
		s.servers[node.Key].set(func(s *fakeServer) { s.garbage = true })
	}

	resp, err := s.client.Set(ctx, &Item{Key: key, Value: []byte("v")}, 1)
	c.Assert(err, IsNil)
	c.Assert(resp.Success(), IsFalse)
	c.Assert(errors.Is(resp.Error(), ErrDesync), IsTrue)
	c.Assert(resp.Node(), Equals, target.Primary.Endpoint)

	warnings := s.logs.FilterMessage("Memcache replica write failed")
	c.Assert(warnings.Len(), Equals, 1)
	c.Assert(
		warnings.All()[0].ContextMap()["node"],
		Equals,
		target.Replicas[0].Key)
}

func (s *ClusterClientSuite) TestReplicaStatusFailure(c *C) {
	ctx := context.Background()
	key := "k"
	target := s.client.Ring().ResolveReplicated(key, 1)

	// Only the replica already has the key, so add succeeds on the primary.
	replica := s.servers[target.Replicas[0].Key]
	_, err := s.client.Set(ctx, &Item{Key: key, Value: []byte("old")}, 1)
	c.Assert(err, IsNil)
	s.servers[target.Primary.Key].Remove(key)

	resp, err := s.client.Add(ctx, &Item{Key: key, Value: []byte("new")}, 1)
	c.Assert(err, IsNil)
	c.Assert(resp.Success(), IsTrue)
	c.Assert(resp.Node(), Equals, target.Primary.Endpoint)

	item, ok := replica.Item(key)
	c.Assert(ok, IsTrue)
	c.Assert(string(item.value), Equals, "old")
	c.Assert(
		s.logs.FilterMessage("Memcache replica write failed").Len(),
		Equals,
		1)
}

func (s *ClusterClientSuite) TestCounters(c *C) {
	ctx := context.Background()

	count, err := s.client.Increment(ctx, "counter", 15, 0, 0, 0)
	c.Assert(err, IsNil)
	c.Assert(count.Success(), IsTrue)
	c.Assert(count.Count(), Equals, uint64(0))

	count, err = s.client.Increment(ctx, "counter", 15, 0, 0, 0)
	c.Assert(err, IsNil)
	c.Assert(count.Count(), Equals, uint64(15))

	// Decrement never goes below zero.
	count, err = s.client.Decrement(ctx, "counter", 100, 0, 0, 0)
	c.Assert(err, IsNil)
	c.Assert(count.Success(), IsTrue)
	c.Assert(count.Count(), Equals, uint64(0))

	// No seeding with an all one-bits expiration.
	count, err = s.client.Increment(ctx, "missing", 1, 0, 0xffffffff, 0)
	c.Assert(err, IsNil)
	c.Assert(count.Success(), IsFalse)
	c.Assert(count.Status(), Equals, StatusKeyNotFound)

	_, err = s.client.Set(ctx, &Item{Key: "text", Value: []byte("abc")}, 0)
	c.Assert(err, IsNil)
	count, err = s.client.Increment(ctx, "text", 1, 0, 0, 0)
	c.Assert(err, IsNil)
	c.Assert(count.Status(), Equals, StatusIncrDecrOnNonNumericValue)
}

func (s *ClusterClientSuite) TestReplicatedCounter(c *C) {
	ctx := context.Background()
	count, err := s.client.Increment(ctx, "counter", 1, 5, 0, 2)
	c.Assert(err, IsNil)
	c.Assert(count.Count(), Equals, uint64(5))

	target := s.client.Ring().ResolveReplicated("counter", 2)
	c.Assert(s.holders("counter"), DeepEquals, nodeKeys(target.Targets()))
}

func (s *ClusterClientSuite) TestStoreModes(c *C) {
	ctx := context.Background()

	resp, err := s.client.Replace(ctx, &Item{Key: "k", Value: []byte("x")}, 0)
	c.Assert(err, IsNil)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)

	resp, err = s.client.Add(ctx, &Item{Key: "k", Value: []byte("b")}, 0)
	c.Assert(err, IsNil)
	c.Assert(resp.Success(), IsTrue)
	version := resp.DataVersionId()
	c.Assert(version, Not(Equals), uint64(0))

	resp, err = s.client.Append(ctx, "k", []byte("c"), 0)
	c.Assert(err, IsNil)
	c.Assert(resp.Success(), IsTrue)

	resp, err = s.client.Prepend(ctx, "k", []byte("a"), 0)
	c.Assert(err, IsNil)
	c.Assert(resp.Success(), IsTrue)

	got, err := s.client.GetAndTouch(ctx, "k", 60, 0)
	c.Assert(err, IsNil)
	c.Assert(string(got.Value()), Equals, "abc")

	// Stale CAS.
	resp, err = s.client.Set(
		ctx,
		&Item{Key: "k", Value: []byte("z"), DataVersionId: version},
		0)
	c.Assert(err, IsNil)
	c.Assert(resp.Status(), Equals, StatusKeyExists)

	resp, err = s.client.Set(
		ctx,
		&Item{Key: "k", Value: []byte("z"), DataVersionId: got.DataVersionId()},
		0)
	c.Assert(err, IsNil)
	c.Assert(resp.Success(), IsTrue)

	resp, err = s.client.Append(ctx, "nothing", []byte("c"), 0)
	c.Assert(err, IsNil)
	c.Assert(resp.Status(), Equals, StatusItemNotStored)

	resp, err = s.client.Delete(ctx, "k", 0)
	c.Assert(err, IsNil)
	c.Assert(resp.Success(), IsTrue)

	resp, err = s.client.Delete(ctx, "k", 0)
	c.Assert(err, IsNil)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)
}

func (s *ClusterClientSuite) TestMultiOperations(c *C) {
	ctx := context.Background()

	items := make([]*Item, 0, 100)
	keys := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key%d", i)
		keys = append(keys, key)
		items = append(items, &Item{Key: key, Value: []byte(key)})
	}

	responses, err := s.client.SetMulti(ctx, items, 1)
	c.Assert(err, IsNil)
	c.Assert(responses, HasLen, len(items))
	for i, resp := range responses {
		c.Assert(resp.Key(), Equals, keys[i])
		c.Assert(resp.Success(), IsTrue)
	}
	for _, key := range keys {
		target := s.client.Ring().ResolveReplicated(key, 1)
		c.Assert(s.holders(key), DeepEquals, nodeKeys(target.Targets()))
	}

	results, err := s.client.GetMulti(ctx, append(keys, "missing"), 0)
	c.Assert(err, IsNil)
	c.Assert(results, HasLen, len(keys)+1)
	for _, key := range keys {
		c.Assert(results, HasKey, key)
		c.Assert(string(results[key].Value()), Equals, key)
	}
	c.Assert(results["missing"].Status(), Equals, StatusKeyNotFound)

	// Lose every primary copy; replicas fill the gaps.
	for _, key := range keys {
		s.servers[s.client.Ring().Resolve(key).Key].Remove(key)
	}
	results, err = s.client.GetMulti(ctx, keys, 1)
	c.Assert(err, IsNil)
	for _, key := range keys {
		c.Assert(results[key].Success(), IsTrue, Commentf("%s", key))
		replica := s.client.Ring().ResolveReplicated(key, 1).Replicas[0]
		c.Assert(results[key].Node(), Equals, replica.Endpoint)
	}

	deletes, err := s.client.DeleteMulti(ctx, []string{"key1", "missing", "key2"}, 1)
	c.Assert(err, IsNil)
	c.Assert(deletes, HasLen, 3)
	c.Assert(deletes[0].Key(), Equals, "key1")
	c.Assert(deletes[0].Success(), IsTrue)
	c.Assert(deletes[1].Status(), Equals, StatusKeyNotFound)
	c.Assert(deletes[2].Success(), IsTrue)
	c.Assert(s.holders("key1"), HasLen, 0)
}

func (s *ClusterClientSuite) TestSetMultiDuplicateKeys(c *C) {
	responses, err := s.client.SetMulti(
		context.Background(),
		[]*Item{
			{Key: "dup", Value: []byte("1")},
			{Key: "other", Value: []byte("x")},
			{Key: "dup", Value: []byte("2")},
		},
		0)
	c.Assert(err, IsNil)
	c.Assert(responses, HasLen, 3)
	c.Assert(responses[0].Key(), Equals, "dup")
	c.Assert(responses[1].Key(), Equals, "other")
	c.Assert(responses[2].Key(), Equals, "dup")

	got, err := s.client.Get(context.Background(), "dup", 0)
	c.Assert(err, IsNil)
	c.Assert(string(got.Value()), Equals, "2")
}

func (s *ClusterClientSuite) TestFlush(c *C) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := s.client.Set(
			ctx,
			&Item{Key: fmt.Sprintf("key%d", i), Value: []byte("v")},
			0)
		c.Assert(err, IsNil)
	}

	resp, err := s.client.Flush(ctx, 0)
	c.Assert(err, IsNil)
	c.Assert(resp.Success(), IsTrue)
	for _, server := range s.servers {
		c.Assert(server.NumItems(), Equals, 0)
		c.Assert(server.Count(opFlush), Equals, 1)
	}

	s.servers["node3"].set(func(s *fakeServer) { s.garbage = true })
	resp, err = s.client.Flush(ctx, 0)
	c.Assert(err, IsNil)
	c.Assert(resp.Success(), IsFalse)
	c.Assert(resp.Node(), Equals, s.servers["node3"].Address())
}

func (s *ClusterClientSuite) TestEmptyRing(c *C) {
	ctx := context.Background()
	s.client.RemoveNodes(s.nodes...)
	c.Assert(s.client.Ring().NumNodes(), Equals, 0)

	got, err := s.client.Get(ctx, "k", 1)
	c.Assert(err, IsNil)
	c.Assert(got.Success(), IsFalse)
	c.Assert(errors.Is(got.Error(), ErrNoNode), IsTrue)

	resp, err := s.client.Set(ctx, &Item{Key: "k", Value: []byte("v")}, 1)
	c.Assert(err, IsNil)
	c.Assert(errors.Is(resp.Error(), ErrNoNode), IsTrue)

	results, err := s.client.GetMulti(ctx, []string{"a", "b"}, 0)
	c.Assert(err, IsNil)
	c.Assert(results, HasLen, 2)
	c.Assert(errors.Is(results["a"].Error(), ErrNoNode), IsTrue)

	deletes, err := s.client.DeleteMulti(ctx, []string{"a"}, 0)
	c.Assert(err, IsNil)
	c.Assert(errors.Is(deletes[0].Error(), ErrNoNode), IsTrue)

	flush, err := s.client.Flush(ctx, 0)
	c.Assert(err, IsNil)
	c.Assert(errors.Is(flush.Error(), ErrNoNode), IsTrue)

	for _, server := range s.servers {
		c.Assert(server.NumAccepted(), Equals, 0)
	}
}

func (s *ClusterClientSuite) TestRemoveNodes(c *C) {
	ctx := context.Background()
	removed := s.nodes[2]
	s.client.RemoveNodes(removed)

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key%d", i)
		resp, err := s.client.Set(ctx, &Item{Key: key, Value: []byte("v")}, 4)
		c.Assert(err, IsNil)
		c.Assert(resp.Success(), IsTrue)
	}
	c.Assert(s.servers[removed.Key].NumItems(), Equals, 0)
	c.Assert(s.servers[removed.Key].NumAccepted(), Equals, 0)

	c.Assert(
		s.logs.FilterMessage("Removed memcache nodes").Len(),
		Equals,
		1)
}

func (s *ClusterClientSuite) TestMisconfiguration(c *C) {
	ctx := context.Background()

	_, err := s.client.Get(ctx, "", 0)
	c.Assert(err, FitsTypeOf, &KeyError{})

	_, err = s.client.Set(ctx, nil, 0)
	c.Assert(err, NotNil)

	_, err = s.client.SetMulti(ctx, []*Item{{Key: "k"}}, 0)
	c.Assert(err, NotNil)

	_, err = s.client.GetMulti(ctx, []string{"ok", string(make([]byte, 251))}, 0)
	c.Assert(err, FitsTypeOf, &KeyError{})

	_, err = s.client.DeleteMulti(ctx, []string{""}, 1)
	c.Assert(err, FitsTypeOf, &KeyError{})

	_, err = NewClusterClient(Options{ReceiveTimeout: -1})
	c.Assert(err, NotNil)
}

func (s *ClusterClientSuite) TestCancelledContext(c *C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := s.client.Get(ctx, "k", 2)
	c.Assert(err, IsNil)
	c.Assert(got.Success(), IsFalse)
	c.Assert(errors.Is(got.Error(), context.Canceled), IsTrue)

	results, err := s.client.GetMulti(ctx, []string{"a", "b"}, 0)
	c.Assert(err, IsNil)
	c.Assert(errors.Is(results["a"].Error(), context.Canceled), IsTrue)

	resp, err := s.client.Set(ctx, &Item{Key: "k", Value: []byte("v")}, 2)
	c.Assert(err, IsNil)
	c.Assert(resp.Success(), IsFalse)
}
