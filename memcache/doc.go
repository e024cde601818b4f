// A replicated memcache client library which supports connection pooling,
// consistent hashing and pipelined multi-key requests.
//
// Keys are placed on nodes by a hash ring (see hash2/hashring).  Commands
// are executed against individual nodes by an Executor, which keeps a bounded
// pool of connections per node.  ClusterClient glues the two together.
//
// Implementation note: this client uses memcached's binary protocol.  See
// https://github.com/memcached/memcached/wiki/BinaryProtocolRevamped for
// additional details.
package memcache
