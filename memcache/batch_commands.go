package memcache

import (
	"io"

	"github.com/dropbox/memcluster/errors"
)

// Batched commands pipeline one quiet frame per key followed by a no-op.
// The server only answers quiet frames that produce something to report
// (a hit, or a failure), and always answers the no-op, so the no-op's opaque
// marks the end of the batch.  Responses are matched to keys by opaque only;
// their arrival order carries no meaning.
type batch struct {
	code    opCode // the quiet opcode
	node    string
	opaques map[uint32]int
	noOp    uint32
}

func (b *batch) reset(node string, size int) {
	b.node = node
	b.opaques = make(map[uint32]int, size)
	b.noOp = 0
}

func (b *batch) appendFrame(
	buf *frameBuffer,
	nextOpaque func() uint32,
	idx int,
	req *request) error {

	req.code = b.code
	req.opaque = nextOpaque()
	b.opaques[req.opaque] = idx
	return buf.appendRequest(req)
}

func (b *batch) appendNoOp(buf *frameBuffer, nextOpaque func() uint32) error {
	b.noOp = nextOpaque()
	return buf.appendRequest(&request{code: opNoOp, opaque: b.noOp})
}

// Reads responses until the no-op's, handing each intermediate response to
// handle along with the index of the frame it answers.
func (b *batch) readStream(
	reader io.Reader,
	handle func(idx int, resp *response) error) error {

	for {
		resp, err := readResponse(reader)
		if err != nil {
			return err
		}

		if resp.Opaque == b.noOp {
			if resp.OpCode != byte(opNoOp) {
				return desyncError(
					"Invalid response op code for no-op: %d",
					resp.OpCode)
			}
			return nil
		}

		idx, ok := b.opaques[resp.Opaque]
		if !ok {
			return desyncError("Unexpected response opaque: %d", resp.Opaque)
		}
		if resp.OpCode != byte(b.code) {
			return desyncError(
				"Invalid response op code: %d (expected %d)",
				resp.OpCode,
				b.code)
		}
		delete(b.opaques, resp.Opaque)

		if err := handle(idx, resp); err != nil {
			return err
		}
	}
}

func batchResult(node string, err error, responses []Response) ExecResult {
	result := ExecResult{
		Success: true,
		Node:    node,
		Err:     err,
	}
	if err != nil {
		result.Success = false
		result.Message = errors.GetMessage(err)
		return result
	}
	for _, resp := range responses {
		if !resp.Success() {
			result.Success = false
			result.Status = resp.Status()
			result.Message = resp.Message()
			break
		}
	}
	return result
}

// Retrieves many entries from one node in a single round trip.  Duplicate
// keys are fetched once.
type MultiGetCommand struct {
	batch
	keys      []string
	wireKeys  []string
	responses []GetResponse
	err       error
}

func NewMultiGetCommand(keys []string) *MultiGetCommand {
	seen := make(map[string]struct{}, len(keys))
	unique := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}

	return &MultiGetCommand{
		batch: batch{code: opGetQ},
		keys:  unique,
	}
}

func (c *MultiGetCommand) prepare(node string, allowLongKeys bool) error {
	c.reset(node, len(c.keys))
	c.wireKeys = make([]string, len(c.keys))
	for i, key := range c.keys {
		wire, err := wireKey(key, allowLongKeys)
		if err != nil {
			return err
		}
		c.wireKeys[i] = wire
	}
	c.responses = make([]GetResponse, len(c.keys))
	return nil
}

func (c *MultiGetCommand) encode(
	buf *frameBuffer,
	nextOpaque func() uint32) error {

	for i, wire := range c.wireKeys {
		err := c.appendFrame(buf, nextOpaque, i, &request{key: wire})
		if err != nil {
			return err
		}
	}
	return c.appendNoOp(buf, nextOpaque)
}

func (c *MultiGetCommand) decode(reader io.Reader) error {
	err := c.readStream(reader, func(idx int, resp *response) error {
		flags, err := decodeFlags(resp)
		if err != nil {
			return err
		}
		c.responses[idx] = NewGetResponse(
			c.keys[idx],
			resp.status(),
			flags,
			resp.value,
			resp.DataVersionId)
		withNode(c.responses[idx], c.node)
		return nil
	})
	if err != nil {
		return err
	}

	// Quiet gets suppress misses.
	for i, key := range c.keys {
		if c.responses[i] == nil {
			c.responses[i] = NewGetResponse(key, StatusKeyNotFound, 0, nil, 0)
			withNode(c.responses[i], c.node)
		}
	}
	return nil
}

func (c *MultiGetCommand) fail(err error) {
	c.err = err
	if c.responses == nil {
		c.responses = make([]GetResponse, len(c.keys))
	}
	for i, key := range c.keys {
		if c.responses[i] == nil {
			c.responses[i] = NewGetErrorResponse(key, err)
			withNode(c.responses[i], c.node)
		}
	}
}

func (c *MultiGetCommand) result() ExecResult {
	return batchResult(c.node, c.err, nil)
}

// Responses keyed by the caller's keys.
func (c *MultiGetCommand) Responses() map[string]GetResponse {
	results := make(map[string]GetResponse, len(c.keys))
	for i, key := range c.keys {
		if i < len(c.responses) && c.responses[i] != nil {
			results[key] = c.responses[i]
		}
	}
	return results
}

// Stores many entries on one node in a single round trip.  Since quiet stores
// only report failures, successful items carry a zero data version id.
type MultiStoreCommand struct {
	batch
	mode      StoreMode
	items     []*Item
	wireKeys  []string
	responses []MutateResponse
	err       error
}

func NewMultiStoreCommand(mode StoreMode, items []*Item) *MultiStoreCommand {
	return &MultiStoreCommand{
		batch: batch{code: quietOpCodes[mode.opCode()]},
		mode:  mode,
		items: items,
	}
}

func (c *MultiStoreCommand) prepare(node string, allowLongKeys bool) error {
	c.reset(node, len(c.items))
	c.wireKeys = make([]string, len(c.items))
	for i, item := range c.items {
		if err := validateItem(item); err != nil {
			return err
		}
		wire, err := wireKey(item.Key, allowLongKeys)
		if err != nil {
			return err
		}
		c.wireKeys[i] = wire
	}
	c.responses = make([]MutateResponse, len(c.items))
	return nil
}

func (c *MultiStoreCommand) encode(
	buf *frameBuffer,
	nextOpaque func() uint32) error {

	for i, item := range c.items {
		err := c.appendFrame(buf, nextOpaque, i, &request{
			cas:    item.DataVersionId,
			extras: storeExtras(c.mode, item),
			key:    c.wireKeys[i],
			value:  item.Value,
		})
		if err != nil {
			return err
		}
	}
	return c.appendNoOp(buf, nextOpaque)
}

func (c *MultiStoreCommand) decode(reader io.Reader) error {
	err := c.readStream(reader, func(idx int, resp *response) error {
		c.responses[idx] = NewMutateResponse(
			c.items[idx].Key,
			resp.status(),
			resp.DataVersionId,
			resp.value)
		withNode(c.responses[idx], c.node)
		return nil
	})
	if err != nil {
		return err
	}

	for i, item := range c.items {
		if c.responses[i] == nil {
			c.responses[i] = NewMutateResponse(item.Key, StatusNoError, 0, nil)
			withNode(c.responses[i], c.node)
		}
	}
	return nil
}

func (c *MultiStoreCommand) fail(err error) {
	c.err = err
	if c.responses == nil {
		c.responses = make([]MutateResponse, len(c.items))
	}
	for i, item := range c.items {
		if c.responses[i] == nil {
			key := ""
			if item != nil {
				key = item.Key
			}
			c.responses[i] = NewMutateErrorResponse(key, err)
			withNode(c.responses[i], c.node)
		}
	}
}

func (c *MultiStoreCommand) result() ExecResult {
	responses := make([]Response, len(c.responses))
	for i, resp := range c.responses {
		responses[i] = resp
	}
	return batchResult(c.node, c.err, responses)
}

// Responses in item order.
func (c *MultiStoreCommand) Responses() []MutateResponse {
	return c.responses
}

// Deletes many entries on one node in a single round trip.
type MultiDeleteCommand struct {
	batch
	keys      []string
	wireKeys  []string
	responses []MutateResponse
	err       error
}

func NewMultiDeleteCommand(keys []string) *MultiDeleteCommand {
	return &MultiDeleteCommand{
		batch: batch{code: opDeleteQ},
		keys:  keys,
	}
}

func (c *MultiDeleteCommand) prepare(node string, allowLongKeys bool) error {
	c.reset(node, len(c.keys))
	c.wireKeys = make([]string, len(c.keys))
	for i, key := range c.keys {
		wire, err := wireKey(key, allowLongKeys)
		if err != nil {
			return err
		}
		c.wireKeys[i] = wire
	}
	c.responses = make([]MutateResponse, len(c.keys))
	return nil
}

func (c *MultiDeleteCommand) encode(
	buf *frameBuffer,
	nextOpaque func() uint32) error {

	for i, wire := range c.wireKeys {
		err := c.appendFrame(buf, nextOpaque, i, &request{key: wire})
		if err != nil {
			return err
		}
	}
	return c.appendNoOp(buf, nextOpaque)
}

func (c *MultiDeleteCommand) decode(reader io.Reader) error {
	err := c.readStream(reader, func(idx int, resp *response) error {
		c.responses[idx] = NewMutateResponse(
			c.keys[idx],
			resp.status(),
			0,
			resp.value)
		withNode(c.responses[idx], c.node)
		return nil
	})
	if err != nil {
		return err
	}

	for i, key := range c.keys {
		if c.responses[i] == nil {
			c.responses[i] = NewMutateResponse(key, StatusNoError, 0, nil)
			withNode(c.responses[i], c.node)
		}
	}
	return nil
}

func (c *MultiDeleteCommand) fail(err error) {
	c.err = err
	if c.responses == nil {
		c.responses = make([]MutateResponse, len(c.keys))
	}
	for i, key := range c.keys {
		if c.responses[i] == nil {
			c.responses[i] = NewMutateErrorResponse(key, err)
			withNode(c.responses[i], c.node)
		}
	}
}

func (c *MultiDeleteCommand) result() ExecResult {
	responses := make([]Response, len(c.responses))
	for i, resp := range c.responses {
		responses[i] = resp
	}
	return batchResult(c.node, c.err, responses)
}

// Responses in key order.
func (c *MultiDeleteCommand) Responses() []MutateResponse {
	return c.responses
}
