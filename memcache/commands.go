package memcache

import (
	"encoding/binary"
	"io"

	"github.com/dropbox/memcluster/errors"
)

// ExecResult is the uniform outcome of running one command against one node.
type ExecResult struct {
	// True iff the exchange completed and the server reported success.  For
	// batched commands every item must have succeeded (a multi-get succeeds
	// whenever the exchange completes; misses are reported per key).
	Success bool

	// The server status (the first failing status for batched commands).
	Status ResponseStatus

	// The server's error message, or the client-side failure message.
	Message string

	// Set when the request failed before a well-formed response was read
	// (no node, connection failure, timeout, desync, cancellation).  Nil for
	// server-reported failures.
	Err error

	// Endpoint of the node the command ran against.
	Node string
}

// A Command builds the request frame(s) for one operation and interprets the
// response(s).  Commands are created by the New*Command functions, are
// executed by an Executor, and are single use.
type Command interface {
	// Validates the arguments and resolves wire keys.  An error here means
	// the command can never succeed.
	prepare(node string, allowLongKeys bool) error

	// Appends the request frame(s).  Opaque ids are drawn from nextOpaque.
	encode(buf *frameBuffer, nextOpaque func() uint32) error

	// Reads the response(s) to the frames written by encode.
	decode(reader io.Reader) error

	// Records a failure which prevented a complete exchange.
	fail(err error)

	result() ExecResult
}

func resultOf(resp Response) ExecResult {
	result := ExecResult{
		Success: resp.Success(),
		Status:  resp.Status(),
		Message: resp.Message(),
		Node:    resp.Node(),
	}
	if g, ok := resp.(*genericResponse); ok {
		result.Err = g.err
	}
	return result
}

func withNode(resp Response, node string) {
	if setter, ok := resp.(nodeSetter); ok {
		setter.setNode(node)
	}
}

func desyncError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrDesync, format, args...)
}

//
// Single key commands
//

type singleCommand struct {
	code   opCode
	key    string
	wire   string
	node   string
	opaque uint32
	cas    uint64
	extras []byte
	value  []byte
}

func (c *singleCommand) prepareKey(node string, allowLongKeys bool) error {
	c.node = node
	wire, err := wireKey(c.key, allowLongKeys)
	if err != nil {
		return err
	}
	c.wire = wire
	return nil
}

func (c *singleCommand) encode(
	buf *frameBuffer,
	nextOpaque func() uint32) error {

	c.opaque = nextOpaque()
	return buf.appendRequest(&request{
		code:   c.code,
		opaque: c.opaque,
		cas:    c.cas,
		extras: c.extras,
		key:    c.wire,
		value:  c.value,
	})
}

// Reads exactly one response, which must echo the request's opaque and
// opcode.
func (c *singleCommand) readSingle(reader io.Reader) (*response, error) {
	resp, err := readResponse(reader)
	if err != nil {
		return nil, err
	}
	if resp.Opaque != c.opaque {
		return nil, desyncError(
			"Unexpected response opaque: %d (expected %d)",
			resp.Opaque,
			c.opaque)
	}
	if resp.OpCode != byte(c.code) {
		return nil, desyncError(
			"Invalid response op code: %d (expected %d)",
			resp.OpCode,
			c.code)
	}
	return resp, nil
}

func decodeFlags(resp *response) (uint32, error) {
	if resp.status() != StatusNoError {
		return 0, nil
	}
	if len(resp.extras) != 4 {
		return 0, desyncError("Expecting 4 bytes of flags, got %d", len(resp.extras))
	}
	return binary.BigEndian.Uint32(resp.extras), nil
}

// Retrieves a single entry.
type GetCommand struct {
	singleCommand
	response GetResponse
}

func NewGetCommand(key string) *GetCommand {
	return &GetCommand{
		singleCommand: singleCommand{code: opGet, key: key},
	}
}

func (c *GetCommand) prepare(node string, allowLongKeys bool) error {
	return c.prepareKey(node, allowLongKeys)
}

func (c *GetCommand) decode(reader io.Reader) error {
	resp, err := c.readSingle(reader)
	if err != nil {
		return err
	}
	flags, err := decodeFlags(resp)
	if err != nil {
		return err
	}
	c.response = NewGetResponse(
		c.key,
		resp.status(),
		flags,
		resp.value,
		resp.DataVersionId)
	withNode(c.response, c.node)
	return nil
}

func (c *GetCommand) fail(err error) {
	c.response = NewGetErrorResponse(c.key, err)
	withNode(c.response, c.node)
}

func (c *GetCommand) result() ExecResult {
	return resultOf(c.response)
}

// The typed response.  Nil until the command is executed.
func (c *GetCommand) Response() GetResponse {
	return c.response
}

// Retrieves a single entry and updates its expiration time.
type GetAndTouchCommand struct {
	GetCommand
}

func NewGetAndTouchCommand(key string, expiration uint32) *GetAndTouchCommand {
	return &GetAndTouchCommand{
		GetCommand: GetCommand{
			singleCommand: singleCommand{
				code:   opGAT,
				key:    key,
				extras: uint32Extras(expiration),
			},
		},
	}
}

type StoreMode int

const (
	StoreSet StoreMode = iota
	StoreAdd
	StoreReplace
	StoreAppend
	StorePrepend
)

func (m StoreMode) opCode() opCode {
	switch m {
	case StoreAdd:
		return opAdd
	case StoreReplace:
		return opReplace
	case StoreAppend:
		return opAppend
	case StorePrepend:
		return opPrepend
	}
	return opSet
}

func (m StoreMode) String() string {
	switch m {
	case StoreSet:
		return "set"
	case StoreAdd:
		return "add"
	case StoreReplace:
		return "replace"
	case StoreAppend:
		return "append"
	case StorePrepend:
		return "prepend"
	}
	return "unknown"
}

// Append and prepend carry no flags or expiration.
func (m StoreMode) hasExtras() bool {
	return m != StoreAppend && m != StorePrepend
}

func storeExtras(mode StoreMode, item *Item) []byte {
	if !mode.hasExtras() {
		return nil
	}
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], item.Flags)
	binary.BigEndian.PutUint32(extras[4:8], item.Expiration)
	return extras
}

func validateItem(item *Item) error {
	if item == nil {
		return errors.New("Invalid item: cannot be nil")
	}
	if item.Value == nil {
		return errors.New("Invalid value: cannot be nil")
	}
	if len(item.Value) > maxValueLength {
		return errors.Newf(
			"Invalid value: length %d longer than max length %d",
			len(item.Value),
			maxValueLength)
	}
	return nil
}

// Stores a single entry (set, add, replace, append or prepend).  A non-zero
// item DataVersionId makes the store conditional on the entry's CAS.
type StoreCommand struct {
	singleCommand
	mode     StoreMode
	item     *Item
	response MutateResponse
}

func NewStoreCommand(mode StoreMode, item *Item) *StoreCommand {
	c := &StoreCommand{
		singleCommand: singleCommand{code: mode.opCode()},
		mode:          mode,
		item:          item,
	}
	if item != nil {
		c.key = item.Key
	}
	return c
}

func (c *StoreCommand) prepare(node string, allowLongKeys bool) error {
	if err := validateItem(c.item); err != nil {
		return err
	}
	if err := c.prepareKey(node, allowLongKeys); err != nil {
		return err
	}
	c.cas = c.item.DataVersionId
	c.extras = storeExtras(c.mode, c.item)
	c.value = c.item.Value
	return nil
}

func (c *StoreCommand) decode(reader io.Reader) error {
	resp, err := c.readSingle(reader)
	if err != nil {
		return err
	}
	c.response = NewMutateResponse(
		c.key,
		resp.status(),
		resp.DataVersionId,
		resp.value)
	withNode(c.response, c.node)
	return nil
}

func (c *StoreCommand) fail(err error) {
	c.response = NewMutateErrorResponse(c.key, err)
	withNode(c.response, c.node)
}

func (c *StoreCommand) result() ExecResult {
	return resultOf(c.response)
}

func (c *StoreCommand) Response() MutateResponse {
	return c.response
}

// Deletes a single entry.  A non-zero cas makes the delete conditional.
type DeleteCommand struct {
	singleCommand
	response MutateResponse
}

func NewDeleteCommand(key string, cas uint64) *DeleteCommand {
	return &DeleteCommand{
		singleCommand: singleCommand{code: opDelete, key: key, cas: cas},
	}
}

func (c *DeleteCommand) prepare(node string, allowLongKeys bool) error {
	return c.prepareKey(node, allowLongKeys)
}

func (c *DeleteCommand) decode(reader io.Reader) error {
	resp, err := c.readSingle(reader)
	if err != nil {
		return err
	}
	// NOTE: delete responses never carry a meaningful version.
	c.response = NewMutateResponse(c.key, resp.status(), 0, resp.value)
	withNode(c.response, c.node)
	return nil
}

func (c *DeleteCommand) fail(err error) {
	c.response = NewMutateErrorResponse(c.key, err)
	withNode(c.response, c.node)
}

func (c *DeleteCommand) result() ExecResult {
	return resultOf(c.response)
}

func (c *DeleteCommand) Response() MutateResponse {
	return c.response
}

// Increments or decrements a counter.
type CounterCommand struct {
	singleCommand
	response CountResponse
}

func newCounterCommand(
	code opCode,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) *CounterCommand {

	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], delta)
	binary.BigEndian.PutUint64(extras[8:16], initValue)
	binary.BigEndian.PutUint32(extras[16:20], expiration)

	return &CounterCommand{
		singleCommand: singleCommand{
			code:   code,
			key:    key,
			extras: extras,
		},
	}
}

func NewIncrementCommand(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) *CounterCommand {

	return newCounterCommand(opIncrement, key, delta, initValue, expiration)
}

func NewDecrementCommand(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) *CounterCommand {

	return newCounterCommand(opDecrement, key, delta, initValue, expiration)
}

func (c *CounterCommand) prepare(node string, allowLongKeys bool) error {
	return c.prepareKey(node, allowLongKeys)
}

func (c *CounterCommand) decode(reader io.Reader) error {
	resp, err := c.readSingle(reader)
	if err != nil {
		return err
	}

	var count uint64
	if resp.status() == StatusNoError {
		if len(resp.value) != 8 {
			return desyncError(
				"Expecting 8 byte counter value, got %d",
				len(resp.value))
		}
		count = binary.BigEndian.Uint64(resp.value)
	}
	c.response = NewCountResponse(c.key, resp.status(), count, resp.value)
	withNode(c.response, c.node)
	return nil
}

func (c *CounterCommand) fail(err error) {
	c.response = NewCountErrorResponse(c.key, err)
	withNode(c.response, c.node)
}

func (c *CounterCommand) result() ExecResult {
	return resultOf(c.response)
}

func (c *CounterCommand) Response() CountResponse {
	return c.response
}

// Keyless commands (flush, no-op).
type statusCommand struct {
	singleCommand
	response Response
}

func (c *statusCommand) prepare(node string, allowLongKeys bool) error {
	c.node = node
	return nil
}

func (c *statusCommand) decode(reader io.Reader) error {
	resp, err := c.readSingle(reader)
	if err != nil {
		return err
	}
	c.response = newStatusResponse(resp.status(), resp.value)
	withNode(c.response, c.node)
	return nil
}

func (c *statusCommand) fail(err error) {
	c.response = NewErrorResponse(err)
	withNode(c.response, c.node)
}

func (c *statusCommand) result() ExecResult {
	return resultOf(c.response)
}

func (c *statusCommand) Response() Response {
	return c.response
}

// Invalidates every entry on a node, after delay seconds when non-zero.
type FlushCommand struct {
	statusCommand
}

func NewFlushCommand(delay uint32) *FlushCommand {
	c := &FlushCommand{}
	c.code = opFlush
	if delay > 0 {
		c.extras = uint32Extras(delay)
	}
	return c
}

// Round trips a no-op; useful as a connection health check.
type NoOpCommand struct {
	statusCommand
}

func NewNoOpCommand() *NoOpCommand {
	c := &NoOpCommand{}
	c.code = opNoOp
	return c
}
