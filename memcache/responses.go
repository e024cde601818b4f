package memcache

import (
	"github.com/dropbox/memcluster/errors"
)

func NewStatusCodeError(status ResponseStatus) error {
	switch status {
	case StatusNoError:
		return nil
	case StatusKeyNotFound,
		StatusKeyExists,
		StatusValueTooLarge,
		StatusInvalidArguments,
		StatusItemNotStored,
		StatusIncrDecrOnNonNumericValue,
		StatusVbucketBelongsToAnotherServer,
		StatusAuthenticationError,
		StatusAuthenticationContinue,
		StatusUnknownCommand,
		StatusOutOfMemory,
		StatusNotSupported,
		StatusInternalError,
		StatusBusy,
		StatusTempFailure:

		return errors.New(status.String())
	default:
		return errors.Newf("Invalid status: %d", int(status))
	}
}

// The genericResponse is an union of all response types.  Response interfaces
// will cover the fact that there's only one implementation for everything.
type genericResponse struct {
	// err and status are used by all responses.
	err    error
	status ResponseStatus

	// Decoded from the response body of a failed request.
	message string

	// key is used by get / mutate / count responses.  The rest is used only
	// by get response.
	item Item

	// set to true only for get response
	allowNotFound bool

	// count is used by count response.
	count uint64

	// endpoint of the node which returned the response.
	node string
}

func (r *genericResponse) Status() ResponseStatus {
	return r.status
}

func (r *genericResponse) Error() error {
	if r.err != nil {
		return r.err
	}
	if r.status == StatusNoError {
		return nil
	}
	if r.allowNotFound && r.status == StatusKeyNotFound {
		return nil
	}
	return NewStatusCodeError(r.status)
}

func (r *genericResponse) Success() bool {
	return r.err == nil && r.status == StatusNoError
}

func (r *genericResponse) Message() string {
	if r.err != nil {
		return errors.GetMessage(r.err)
	}
	if r.message != "" {
		return r.message
	}
	if r.status != StatusNoError {
		return r.status.String()
	}
	return ""
}

func (r *genericResponse) Key() string {
	return r.item.Key
}

func (r *genericResponse) Value() []byte {
	return r.item.Value
}

func (r *genericResponse) Flags() uint32 {
	return r.item.Flags
}

func (r *genericResponse) DataVersionId() uint64 {
	return r.item.DataVersionId
}

func (r *genericResponse) Count() uint64 {
	return r.count
}

func (r *genericResponse) Node() string {
	return r.node
}

func (r *genericResponse) setNode(endpoint string) {
	r.node = endpoint
}

// Responses produced by this package all carry the node they came from.
type nodeSetter interface {
	setNode(endpoint string)
}

// This creates a Response from an error.
func NewErrorResponse(err error) Response {
	return &genericResponse{
		err: err,
	}
}

// This creates a Response from status.
func NewResponse(status ResponseStatus) Response {
	return &genericResponse{
		status: status,
	}
}

func newStatusResponse(status ResponseStatus, body []byte) *genericResponse {
	resp := &genericResponse{
		status: status,
	}
	if status != StatusNoError {
		resp.message = string(body)
	}
	return resp
}

// This creates a GetResponse from an error.
func NewGetErrorResponse(key string, err error) GetResponse {
	resp := &genericResponse{
		err:           err,
		allowNotFound: true,
	}
	resp.item.Key = key
	return resp
}

// This creates a normal GetResponse.
func NewGetResponse(
	key string,
	status ResponseStatus,
	flags uint32,
	value []byte,
	version uint64) GetResponse {

	resp := &genericResponse{
		status:        status,
		allowNotFound: true,
	}
	resp.item.Key = key
	if status == StatusNoError {
		if value == nil {
			resp.item.Value = []byte{}
		} else {
			resp.item.Value = value
		}
		resp.item.Flags = flags
		resp.item.DataVersionId = version
	} else {
		resp.message = string(value)
	}
	return resp
}

// This creates a MutateResponse from an error.
func NewMutateErrorResponse(key string, err error) MutateResponse {
	resp := &genericResponse{
		err: err,
	}
	resp.item.Key = key
	return resp
}

// This creates a normal MutateResponse.  On failure the data version id is
// reset and body is kept as the message.
func NewMutateResponse(
	key string,
	status ResponseStatus,
	version uint64,
	body []byte) MutateResponse {

	resp := newStatusResponse(status, body)
	resp.item.Key = key
	if status == StatusNoError {
		resp.item.DataVersionId = version
	}
	return resp
}

// This creates a CountResponse from an error.
func NewCountErrorResponse(key string, err error) CountResponse {
	resp := &genericResponse{
		err: err,
	}
	resp.item.Key = key
	return resp
}

// This creates a normal CountResponse.
func NewCountResponse(
	key string,
	status ResponseStatus,
	count uint64,
	body []byte) CountResponse {

	resp := newStatusResponse(status, body)
	resp.item.Key = key
	if status == StatusNoError {
		resp.count = count
	}
	return resp
}

func nodeError(endpoint string, err error) error {
	return errors.Wrapf(err, "Memcache request to %s failed", endpoint)
}
