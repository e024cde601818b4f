package memcache

import (
	"fmt"
	"io"

	"github.com/dropbox/memcluster/errors"
)

const saslMechanismPlain = "PLAIN"

// The server rejects SASL steps that keep asking to continue past this.
const maxSaslSteps = 8

// SASL credentials.  Only the PLAIN mechanism is supported.
type Credentials struct {
	Username string
	Password string
}

func (c *Credentials) plainPayload() []byte {
	return []byte("\x00" + c.Username + "\x00" + c.Password)
}

// Returned when the server answers a SASL exchange with a status other than
// success or continue.  This is a configuration problem and is never retried.
type AuthError struct {
	Endpoint string
	Status   ResponseStatus
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf(
		"Memcache authentication to %s failed: %s (status 0x%02x)",
		e.Endpoint,
		e.Message,
		uint16(e.Status))
}

// One SASL frame: the mechanism name is sent as the key and the payload as
// the value.
type saslCommand struct {
	singleCommand
	status ResponseStatus
	body   []byte
	err    error
}

func newSaslCommand(code opCode, mechanism string, payload []byte) *saslCommand {
	return &saslCommand{
		singleCommand: singleCommand{
			code:  code,
			key:   mechanism,
			wire:  mechanism,
			value: payload,
		},
	}
}

func (c *saslCommand) prepare(node string, allowLongKeys bool) error {
	c.node = node
	return nil
}

func (c *saslCommand) decode(reader io.Reader) error {
	resp, err := c.readSingle(reader)
	if err != nil {
		return err
	}
	c.status = resp.status()
	c.body = resp.value
	return nil
}

func (c *saslCommand) fail(err error) {
	c.err = err
}

func (c *saslCommand) result() ExecResult {
	if c.err != nil {
		return ExecResult{
			Err:     c.err,
			Message: errors.GetMessage(c.err),
			Node:    c.node,
		}
	}
	return ExecResult{
		Success: c.status == StatusNoError,
		Status:  c.status,
		Message: string(c.body),
		Node:    c.node,
	}
}
