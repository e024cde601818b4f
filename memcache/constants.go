package memcache

//
// Magic Byte
//

const (
	reqMagicByte  uint8 = 0x80
	respMagicByte uint8 = 0x81
)

//
// Response Status
//

type ResponseStatus uint16

const (
	StatusNoError ResponseStatus = iota
	StatusKeyNotFound
	StatusKeyExists
	StatusValueTooLarge
	StatusInvalidArguments
	StatusItemNotStored
	StatusIncrDecrOnNonNumericValue
	StatusVbucketBelongsToAnotherServer // Not used
)

const (
	StatusAuthenticationError    ResponseStatus = 0x20
	StatusAuthenticationContinue ResponseStatus = 0x21
)

const (
	StatusUnknownCommand ResponseStatus = 0x81 + iota
	StatusOutOfMemory
	StatusNotSupported
	StatusInternalError
	StatusBusy
	StatusTempFailure
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusNoError:
		return "No error"
	case StatusKeyNotFound:
		return "Key not found"
	case StatusKeyExists:
		return "Key exists"
	case StatusValueTooLarge:
		return "Value too large"
	case StatusInvalidArguments:
		return "Invalid arguments"
	case StatusItemNotStored:
		return "Item not stored"
	case StatusIncrDecrOnNonNumericValue:
		return "Incr/decr on non-numeric value"
	case StatusVbucketBelongsToAnotherServer:
		return "Vbucket belongs to another server"
	case StatusAuthenticationError:
		return "Authentication error"
	case StatusAuthenticationContinue:
		return "Authentication continue"
	case StatusUnknownCommand:
		return "Unknown command"
	case StatusOutOfMemory:
		return "Server out of memory"
	case StatusNotSupported:
		return "Not supported"
	case StatusInternalError:
		return "Server internal error"
	case StatusBusy:
		return "Server busy"
	case StatusTempFailure:
		return "Temporary server failure"
	}
	return "Invalid status"
}

//
// Command Opcodes
//

type opCode uint8

const (
	opGet opCode = iota
	opSet
	opAdd
	opReplace
	opDelete
	opIncrement
	opDecrement
	opQuit // Unsupported
	opFlush
	opGetQ
	opNoOp
	opVersion // Unsupported
	opGetK    // Unsupported
	opGetKQ   // Unsupported
	opAppend
	opPrepend
	opStat // Unsupported
	opSetQ
	opAddQ
	opReplaceQ
	opDeleteQ
	opIncrementQ // Unsupported
	opDecrementQ // Unsupported
	opQuitQ      // Unsupported
	opFlushQ     // Unsupported
	opAppendQ
	opPrependQ
	opVerbosity // Unsupported
	opTouch     // Unsupported
	opGAT
	opGATQ // Unsupported
)

const (
	opSaslListMechs opCode = 0x20 + iota // Unsupported
	opSaslAuth
	opSaslStep
)

// The quiet variant of each supported mutation opcode.
var quietOpCodes = map[opCode]opCode{
	opGet:     opGetQ,
	opSet:     opSetQ,
	opAdd:     opAddQ,
	opReplace: opReplaceQ,
	opDelete:  opDeleteQ,
	opAppend:  opAppendQ,
	opPrepend: opPrependQ,
}
