package memcache

import (
	"context"
	"time"

	. "gopkg.in/check.v1"

	"github.com/dropbox/memcluster/errors"
	. "github.com/dropbox/memcluster/gocheck2"
	"github.com/dropbox/memcluster/hash2/hashring"
	"github.com/dropbox/memcluster/stats"
)

type ExecutorSuite struct {
	server   *fakeServer
	stats    *stats.MemoryStatsFactory
	executor *Executor
	node     hashring.Node
}

var _ = Suite(&ExecutorSuite{})

func (s *ExecutorSuite) SetUpTest(c *C) {
	s.server = startFakeServer(c)
	s.stats = stats.NewMemoryStatsFactory()
	s.node = hashring.Node{Key: "n1", Endpoint: s.server.Address()}
	s.executor = s.newExecutor(c, Options{})
}

func (s *ExecutorSuite) TearDownTest(c *C) {
	s.executor.Close()
	s.server.Close()
}

func (s *ExecutorSuite) newExecutor(c *C, options Options) *Executor {
	if options.MaxPoolSize == 0 {
		options.MaxPoolSize = 2
	}
	if options.ReceiveTimeout == 0 {
		options.ReceiveTimeout = 200 * time.Millisecond
	}
	options.StatsFactory = s.stats
	executor, err := NewExecutor(options)
	c.Assert(err, IsNil)
	return executor
}

func (s *ExecutorSuite) set(c *C, key string, value string) ExecResult {
	result, err := s.executor.Execute(
		context.Background(),
		s.node,
		NewStoreCommand(StoreSet, &Item{Key: key, Value: []byte(value)}))
	c.Assert(err, IsNil)
	return result
}

func (s *ExecutorSuite) get(c *C, key string) GetResponse {
	cmd := NewGetCommand(key)
	_, err := s.executor.Execute(context.Background(), s.node, cmd)
	c.Assert(err, IsNil)
	return cmd.Response()
}

func (s *ExecutorSuite) TestRoundTrip(c *C) {
	result := s.set(c, "k", "v")
	c.Assert(result.Success, IsTrue)
	c.Assert(result.Node, Equals, s.server.Address())

	resp := s.get(c, "k")
	c.Assert(resp.Success(), IsTrue)
	c.Assert(string(resp.Value()), Equals, "v")
	c.Assert(resp.Node(), Equals, s.server.Address())

	// One connection served both commands and went back to the pool.
	c.Assert(s.server.NumAccepted(), Equals, 1)
	c.Assert(s.executor.PoolStats(s.node), Equals, PoolStats{
		Capacity:  2,
		Used:      0,
		Idle:      1,
		Remaining: 2,
	})

	tags := map[string]string{"node": "n1", "result": "ok"}
	c.Assert(s.stats.CounterValue(metricRequests, tags), Equals, float64(2))
	c.Assert(s.stats.SummaryCount(metricLatency, tags), Equals, 2)
}

func (s *ExecutorSuite) TestServerFailureIsNotAnError(c *C) {
	cmd := NewStoreCommand(StoreAdd, &Item{Key: "k", Value: []byte("v")})
	result, err := s.executor.Execute(context.Background(), s.node, cmd)
	c.Assert(err, IsNil)
	c.Assert(result.Success, IsTrue)

	cmd = NewStoreCommand(StoreAdd, &Item{Key: "k", Value: []byte("v")})
	result, err = s.executor.Execute(context.Background(), s.node, cmd)
	c.Assert(err, IsNil)
	c.Assert(result.Success, IsFalse)
	c.Assert(result.Err, IsNil)
	c.Assert(result.Status, Equals, StatusKeyExists)

	// Server statuses leave the connection reusable.
	c.Assert(s.server.NumAccepted(), Equals, 1)
	c.Assert(s.executor.PoolStats(s.node).Idle, Equals, 1)
}

func (s *ExecutorSuite) TestTimeoutQuarantinesConnection(c *C) {
	c.Assert(s.set(c, "k", "v").Success, IsTrue)
	c.Assert(s.server.NumAccepted(), Equals, 1)

	s.server.set(func(s *fakeServer) { s.stall = true })
	result := s.set(c, "k", "v2")
	c.Assert(result.Success, IsFalse)
	c.Assert(result.Err, NotNil)

	// The timed out connection is gone; nothing is leaked.
	c.Assert(s.executor.PoolStats(s.node), Equals, PoolStats{
		Capacity:  2,
		Used:      0,
		Idle:      0,
		Remaining: 2,
	})
	c.Assert(
		s.stats.CounterValue(
			metricDestroyedConnections,
			map[string]string{"node": "n1"}),
		Equals,
		float64(1))

	s.server.set(func(s *fakeServer) { s.stall = false })
	resp := s.get(c, "k")
	c.Assert(resp.Success(), IsTrue)
	c.Assert(string(resp.Value()), Equals, "v")
	c.Assert(s.server.NumAccepted(), Equals, 2)
}

func (s *ExecutorSuite) TestSlowResponseHitsReceiveTimeout(c *C) {
	c.Assert(s.set(c, "k", "v").Success, IsTrue)

	// Each byte arrives well within ReceiveTimeout; the whole response does
	// not.
	s.server.set(func(s *fakeServer) { s.trickle = 30 * time.Millisecond })
	start := time.Now()
	cmd := NewGetCommand("k")
	result, err := s.executor.Execute(context.Background(), s.node, cmd)
	c.Assert(err, IsNil)
	c.Assert(time.Since(start) < 600*time.Millisecond, IsTrue)
	c.Assert(result.Success, IsFalse)
	c.Assert(result.Err, NotNil)
	c.Assert(cmd.Response().Success(), IsFalse)
	c.Assert(s.executor.PoolStats(s.node).Idle, Equals, 0)

	s.server.set(func(s *fakeServer) { s.trickle = 0 })
	resp := s.get(c, "k")
	c.Assert(resp.Success(), IsTrue)
	c.Assert(string(resp.Value()), Equals, "v")
}

func (s *ExecutorSuite) TestTCPUserTimeout(c *C) {
	options := Options{TCPUserTimeout: 5 * time.Second}
	c.Assert(options.connectionOptions().TCPUserTimeout, Equals, 5*time.Second)

	_, err := NewExecutor(Options{TCPUserTimeout: -time.Second})
	c.Assert(err, NotNil)

	executor := s.newExecutor(c, options)
	defer executor.Close()

	cmd := NewStoreCommand(StoreSet, &Item{Key: "k", Value: []byte("v")})
	result, err := executor.Execute(context.Background(), s.node, cmd)
	c.Assert(err, IsNil)
	c.Assert(result.Success, IsTrue)
}

func (s *ExecutorSuite) TestDesyncDestroysConnection(c *C) {
	s.server.set(func(s *fakeServer) { s.garbage = true })

	result := s.set(c, "k", "v")
	c.Assert(result.Success, IsFalse)
	c.Assert(errors.Is(result.Err, ErrDesync), IsTrue)
	c.Assert(s.executor.PoolStats(s.node).Idle, Equals, 0)

	s.server.set(func(s *fakeServer) { s.garbage = false })
	c.Assert(s.set(c, "k", "v").Success, IsTrue)
	c.Assert(s.server.NumAccepted(), Equals, 2)
}

func (s *ExecutorSuite) TestDeadConnection(c *C) {
	c.Assert(s.set(c, "k", "v").Success, IsTrue)
	s.server.DropConnections()
	time.Sleep(50 * time.Millisecond)

	// The idle connection's peer is gone; the failure is a result, not an
	// error, and the connection is not pooled again.
	result := s.set(c, "k", "v")
	c.Assert(result.Success, IsFalse)
	c.Assert(result.Err, NotNil)
	c.Assert(s.executor.PoolStats(s.node).Idle, Equals, 0)

	c.Assert(s.set(c, "k", "v").Success, IsTrue)
}

func (s *ExecutorSuite) TestProbeReplacesDeadConnection(c *C) {
	s.executor.Close()
	s.executor = s.newExecutor(c, Options{ProbeIdleConnections: true})

	c.Assert(s.set(c, "k", "v").Success, IsTrue)
	s.server.DropConnections()
	time.Sleep(50 * time.Millisecond)

	c.Assert(s.set(c, "k", "v2").Success, IsTrue)
	c.Assert(s.server.NumAccepted(), Equals, 2)
}

func (s *ExecutorSuite) TestPipelinedBatches(c *C) {
	s.server.set(func(s *fakeServer) { s.reverseQuiet = true })

	items := []*Item{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
		{Key: "c", Value: []byte("3")},
	}
	store := NewMultiStoreCommand(StoreSet, items)
	result, err := s.executor.Execute(context.Background(), s.node, store)
	c.Assert(err, IsNil)
	c.Assert(result.Success, IsTrue)

	// Adds fail for existing keys; failures come back reversed.
	add := NewMultiStoreCommand(StoreAdd, []*Item{
		{Key: "a", Value: []byte("x")},
		{Key: "z", Value: []byte("26")},
		{Key: "c", Value: []byte("x")},
	})
	result, err = s.executor.Execute(context.Background(), s.node, add)
	c.Assert(err, IsNil)
	c.Assert(result.Success, IsFalse)
	responses := add.Responses()
	c.Assert(responses[0].Status(), Equals, StatusKeyExists)
	c.Assert(responses[1].Success(), IsTrue)
	c.Assert(responses[2].Status(), Equals, StatusKeyExists)

	get := NewMultiGetCommand([]string{"a", "b", "c", "z", "missing"})
	result, err = s.executor.Execute(context.Background(), s.node, get)
	c.Assert(err, IsNil)
	c.Assert(result.Success, IsTrue)

	values := get.Responses()
	c.Assert(values, HasLen, 5)
	c.Assert(string(values["a"].Value()), Equals, "1")
	c.Assert(string(values["b"].Value()), Equals, "2")
	c.Assert(string(values["c"].Value()), Equals, "3")
	c.Assert(string(values["z"].Value()), Equals, "26")
	c.Assert(values["missing"].Status(), Equals, StatusKeyNotFound)

	del := NewMultiDeleteCommand([]string{"a", "missing"})
	result, err = s.executor.Execute(context.Background(), s.node, del)
	c.Assert(err, IsNil)
	c.Assert(del.Responses()[0].Success(), IsTrue)
	c.Assert(del.Responses()[1].Status(), Equals, StatusKeyNotFound)
	c.Assert(result.Success, IsFalse)

	// Every batch left the stream aligned.
	c.Assert(s.server.NumAccepted(), Equals, 1)
}

func (s *ExecutorSuite) TestCancelledBeforeStart(c *C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.executor.Execute(ctx, s.node, NewGetCommand("k"))
	c.Assert(err, IsNil)
	c.Assert(result.Success, IsFalse)
	c.Assert(errors.Is(result.Err, context.Canceled), IsTrue)
	c.Assert(s.server.NumAccepted(), Equals, 0)
}

func (s *ExecutorSuite) TestCancelInterruptsRead(c *C) {
	s.executor.Close()
	s.executor = s.newExecutor(c, Options{ReceiveTimeout: 10 * time.Second})
	c.Assert(s.set(c, "k", "v").Success, IsTrue)

	s.server.set(func(s *fakeServer) { s.stall = true })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	cmd := NewGetCommand("k")
	result, err := s.executor.Execute(ctx, s.node, cmd)
	c.Assert(err, IsNil)
	c.Assert(time.Since(start) < 5*time.Second, IsTrue)
	c.Assert(result.Success, IsFalse)
	c.Assert(errors.Is(result.Err, context.Canceled), IsTrue)
	c.Assert(errors.Is(cmd.Response().Error(), context.Canceled), IsTrue)

	// The cancelled connection is never reused.
	c.Assert(s.executor.PoolStats(s.node), Equals, PoolStats{
		Capacity:  2,
		Used:      0,
		Idle:      0,
		Remaining: 2,
	})
}

func (s *ExecutorSuite) TestMisconfiguration(c *C) {
	_, err := s.executor.Execute(context.Background(), s.node, nil)
	c.Assert(err, NotNil)

	_, err = s.executor.Execute(context.Background(), s.node, NewGetCommand(""))
	c.Assert(err, FitsTypeOf, &KeyError{})

	long := string(make([]byte, 300))
	_, err = s.executor.Execute(context.Background(), s.node, NewGetCommand(long))
	c.Assert(err, FitsTypeOf, &KeyError{})

	_, err = s.executor.Execute(
		context.Background(),
		s.node,
		NewStoreCommand(StoreSet, &Item{Key: "k"}))
	c.Assert(err, NotNil)

	// Nothing reached the network.
	c.Assert(s.server.NumAccepted(), Equals, 0)

	_, err = NewExecutor(Options{MaxPoolSize: -1})
	c.Assert(err, NotNil)
}

func (s *ExecutorSuite) TestLongKeys(c *C) {
	s.executor.Close()
	s.executor = s.newExecutor(c, Options{AllowLongKeys: true})

	long := string(make([]byte, 300))
	c.Assert(s.set(c, long, "v").Success, IsTrue)

	resp := s.get(c, long)
	c.Assert(resp.Success(), IsTrue)
	c.Assert(resp.Key(), Equals, long)

	wire, err := wireKey(long, true)
	c.Assert(err, IsNil)
	_, ok := s.server.Item(wire)
	c.Assert(ok, IsTrue)
}

func (s *ExecutorSuite) TestNoNode(c *C) {
	cmd := NewGetCommand("k")
	result, err := s.executor.Execute(context.Background(), hashring.Node{}, cmd)
	c.Assert(err, IsNil)
	c.Assert(result.Success, IsFalse)
	c.Assert(errors.Is(result.Err, ErrNoNode), IsTrue)
	c.Assert(errors.Is(cmd.Response().Error(), ErrNoNode), IsTrue)
}

func (s *ExecutorSuite) TestUnreachableNode(c *C) {
	addr := s.server.Address()
	s.server.Close()

	cmd := NewGetCommand("k")
	result, err := s.executor.Execute(
		context.Background(),
		hashring.Node{Key: "gone", Endpoint: addr},
		cmd)
	c.Assert(err, IsNil)
	c.Assert(result.Success, IsFalse)
	c.Assert(result.Err, NotNil)
	c.Assert(cmd.Response().Error(), NotNil)
}

func (s *ExecutorSuite) TestAuthentication(c *C) {
	creds := &Credentials{Username: "user", Password: "secret"}
	s.server.set(func(s *fakeServer) { s.credentials = creds })

	s.executor.Close()
	s.executor = s.newExecutor(c, Options{Credentials: creds})

	c.Assert(s.set(c, "k", "v").Success, IsTrue)
	c.Assert(s.get(c, "k").Success(), IsTrue)

	// Once per connection.
	c.Assert(s.server.Count(opSaslAuth), Equals, 1)
	c.Assert(
		s.stats.CounterValue(
			metricAuthentications,
			map[string]string{"node": "n1", "result": "ok"}),
		Equals,
		float64(1))
}

func (s *ExecutorSuite) TestAuthenticationContinue(c *C) {
	creds := &Credentials{Username: "user", Password: "secret"}
	s.server.set(func(s *fakeServer) {
		s.credentials = creds
		s.saslContinue = true
	})

	s.executor.Close()
	s.executor = s.newExecutor(c, Options{Credentials: creds})

	c.Assert(s.set(c, "k", "v").Success, IsTrue)
	c.Assert(s.server.Count(opSaslAuth), Equals, 1)
	c.Assert(s.server.Count(opSaslStep), Equals, 1)
}

func (s *ExecutorSuite) TestAuthenticationRejected(c *C) {
	s.server.set(func(s *fakeServer) {
		s.credentials = &Credentials{Username: "user", Password: "secret"}
	})

	s.executor.Close()
	s.executor = s.newExecutor(c, Options{
		Credentials: &Credentials{Username: "user", Password: "wrong"},
	})

	_, err := s.executor.Execute(
		context.Background(),
		s.node,
		NewGetCommand("k"))
	c.Assert(err, NotNil)
	authErr, ok := err.(*AuthError)
	c.Assert(ok, IsTrue)
	c.Assert(authErr.Status, Equals, StatusAuthenticationError)
	c.Assert(authErr.Endpoint, Equals, s.server.Address())
	c.Assert(authErr.Message, Equals, "Auth failure")

	// The unauthenticated connection is not pooled.
	c.Assert(s.executor.PoolStats(s.node).Idle, Equals, 0)
	c.Assert(s.server.Count(opGet), Equals, 0)
}

func (s *ExecutorSuite) TestAuthenticationRequired(c *C) {
	s.server.set(func(s *fakeServer) {
		s.credentials = &Credentials{Username: "user", Password: "secret"}
	})

	result := s.set(c, "k", "v")
	c.Assert(result.Success, IsFalse)
	c.Assert(result.Err, IsNil)
	c.Assert(result.Status, Equals, StatusAuthenticationError)
}

func (s *ExecutorSuite) TestPoolManagement(c *C) {
	c.Assert(s.set(c, "k", "v").Success, IsTrue)
	c.Assert(s.executor.PoolStats(s.node).Idle, Equals, 1)

	c.Assert(s.executor.DestroyIdle(s.node, 5), Equals, 1)
	c.Assert(s.executor.PoolStats(s.node).Idle, Equals, 0)

	c.Assert(s.set(c, "k", "v").Success, IsTrue)
	s.executor.RemoveNode(s.node)
	c.Assert(s.executor.PoolStats(s.node).Idle, Equals, 0)

	// A removed node's pool is recreated on demand.
	c.Assert(s.set(c, "k", "v").Success, IsTrue)
}
