package memcache

import (
	"context"
)

// An item to be gotten from or stored in a memcache server.
type Item struct {
	// The item's key.  Keys are limited to 250 bytes unless long key support
	// is enabled.
	Key string

	// The item's value.
	Value []byte

	// Flags are server-opaque flags whose semantics are entirely up to the app.
	Flags uint32

	// aka CAS (check and set) in memcache documentation.
	DataVersionId uint64

	// Expiration is the cache expiration time, in seconds: either a relative
	// time from now (up to 1 month), or an absolute Unix epoch time.
	// Zero means the Item has no expiration time.
	Expiration uint32
}

// A generic response to a memcache request.
type Response interface {
	// This returns the status returned by the memcache server.  When Error()
	// is non-nil, this value may not be valid.
	//
	// NOTE: Flush returns the first non-StatusNoError encountered across
	// nodes (or StatusNoError if there were no errors).
	Status() ResponseStatus

	// This returns nil when no error is encountered by the client, and the
	// response status returned by the memcache server is StatusNoError.
	// Otherwise, this returns an error.
	//
	// NOTE: For get requests, this also returns nil when the response status
	// StatusKeyNotFound.
	Error() error

	// True iff the request reached the server and the server returned
	// StatusNoError.  A cache miss is not a success.
	Success() bool

	// The server's error message, or the client-side failure message.  Empty
	// on success.
	Message() string

	// The endpoint of the node which produced the response (empty when no
	// node was reached).
	Node() string
}

// Response returned by Get/GetAndTouch requests.
type GetResponse interface {
	Response

	// This returns the key for the requested value.
	Key() string

	// This returns the retreived entry.  The value may be nil.
	Value() []byte

	// This returns the entry's flags value.  The value is only valid when
	// the entry is found.
	Flags() uint32

	// This returns the data version id (aka CAS) for the item.  The value is
	// only valid when the entry is found.
	DataVersionId() uint64
}

// Response returned by Set/Add/Replace/Delete/Append/Prepend requests.
type MutateResponse interface {
	Response

	// This returns the input key (useful for SetMulti where operations may be
	// applied out of order).
	Key() string

	// This returns the data version id (aka CAS) for the item.  For delete
	// requests and quiet (batched) mutations, this always returns zero.
	DataVersionId() uint64
}

// Response returned by Increment/Decrement requests.
type CountResponse interface {
	Response

	// This returns the input key.
	Key() string

	// This returns the resulting count value.  On error status, this returns
	// zero.
	Count() uint64
}

// A replicated memcache client.  Every operation takes the number of replicas
// r: reads try the primary node then up to r replicas, writes go to the
// primary and r replicas.
//
// The returned error is reserved for requests that can never succeed (an
// invalid key, or authentication rejected by the server); everything else is
// reported through the response.
type Client interface {
	// This retrieves a single entry from memcache.
	Get(ctx context.Context, key string, replicas int) (GetResponse, error)

	// This retrieves a single entry and updates its expiration time.
	GetAndTouch(
		ctx context.Context,
		key string,
		expiration uint32,
		replicas int) (GetResponse, error)

	// Batch version of the Get method.  The result contains an entry for
	// every distinct key.
	GetMulti(
		ctx context.Context,
		keys []string,
		replicas int) (map[string]GetResponse, error)

	// This sets a single entry into memcache.  If the item's data version id
	// (aka CAS) is nonzero, the set operation can only succeed if the item
	// exists in memcache and has a same data version id.
	Set(ctx context.Context, item *Item, replicas int) (MutateResponse, error)

	// Batch version of the Set method.  Responses are in input order.
	SetMulti(
		ctx context.Context,
		items []*Item,
		replicas int) ([]MutateResponse, error)

	// This adds a single entry into memcache.  Note: Add will fail if the
	// item already exist in memcache.
	Add(ctx context.Context, item *Item, replicas int) (MutateResponse, error)

	// This replaces a single entry in memcache.  Note: Replace will fail if
	// the does not exist in memcache.
	Replace(ctx context.Context, item *Item, replicas int) (MutateResponse, error)

	// This appends the value bytes to the end of an existing entry.
	Append(
		ctx context.Context,
		key string,
		value []byte,
		replicas int) (MutateResponse, error)

	// This prepends the value bytes to the beginning of an existing entry.
	Prepend(
		ctx context.Context,
		key string,
		value []byte,
		replicas int) (MutateResponse, error)

	// This delets a single entry from memcache.
	Delete(ctx context.Context, key string, replicas int) (MutateResponse, error)

	// Batch version of the Delete method.  Responses are in input order.
	DeleteMulti(
		ctx context.Context,
		keys []string,
		replicas int) ([]MutateResponse, error)

	// This increments the key's counter by delta.  If the counter does not
	// exist, one of two things may happen:
	// 1. If the expiration value is all one-bits (0xffffffff), the operation
	//    will fail with StatusNotFound.
	// 2. For all other expiration values, the operation will succeed by
	//    seeding the value for this key with the provided initValue to expire
	//    with the provided expiration time. The flags will be set to zero.
	//
	// NOTE: Incrementing the counter past 2^64-1 wraps on the server.
	Increment(
		ctx context.Context,
		key string,
		delta uint64,
		initValue uint64,
		expiration uint32,
		replicas int) (CountResponse, error)

	// This decrements the key's counter by delta (same seeding rules as
	// Increment).  Decrementing a counter will never result in a "negative
	// value" (or cause the counter to "wrap"). instead the counter is set
	// to 0.
	Decrement(
		ctx context.Context,
		key string,
		delta uint64,
		initValue uint64,
		expiration uint32,
		replicas int) (CountResponse, error)

	// This invalidates all existing cache items on every node after delay
	// seconds (immediately when zero).
	Flush(ctx context.Context, delay uint32) (Response, error)
}
