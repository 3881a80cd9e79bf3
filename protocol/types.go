package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType represents the type of a RESP value
type ValueType byte

const (
	// RESP value types
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

// Value represents a parsed RESP value
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// String returns a string representation of the value
func (v Value) String() string {
	switch v.Type {
	case TypeSimpleString, TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulkString:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// IsError returns true if this is an error value
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// Error returns the error message if this is an error value
func (v Value) Error() string {
	if v.Type == TypeError {
		return string(v.Data)
	}
	return ""
}

// CommandKind identifies a supported command. It is resolved once, when the
// command is decoded, so dispatch never re-matches names.
type CommandKind uint8

const (
	KindUnknown CommandKind = iota
	KindPing
	KindEcho
	KindSet
	KindGet
	KindInfo
	KindReplconf
	KindPsync
	KindHello
	KindClient
	KindEval
	KindEvalSHA
	KindScript
	KindDebug
	KindDel
	KindExists
	KindSelect
)

var kindsByName = map[string]CommandKind{
	"PING":     KindPing,
	"ECHO":     KindEcho,
	"SET":      KindSet,
	"GET":      KindGet,
	"INFO":     KindInfo,
	"REPLCONF": KindReplconf,
	"PSYNC":    KindPsync,
	"HELLO":    KindHello,
	"CLIENT":   KindClient,
	"EVAL":     KindEval,
	"EVALSHA":  KindEvalSHA,
	"SCRIPT":   KindScript,
	"DEBUG":    KindDebug,
	"DEL":      KindDel,
	"EXISTS":   KindExists,
	"SELECT":   KindSelect,
}

// LookupKind returns the kind for an upper-cased command name.
func LookupKind(name string) CommandKind {
	return kindsByName[name]
}

// CommandClass separates regular client requests from the commands that
// only make sense between a master and its replicas.
type CommandClass uint8

const (
	ClassRequest CommandClass = iota
	ClassReplication
)

func (c CommandClass) String() string {
	if c == ClassReplication {
		return "replication"
	}
	return "request"
}

// Command represents a decoded request: an upper-cased name followed by its
// parameters in the order the client sent them.
type Command struct {
	Name   string
	Kind   CommandKind
	Class  CommandClass
	Params []string
}

// NewCommand builds a Command, classifying it by name.
func NewCommand(name string, params ...string) *Command {
	name = strings.ToUpper(name)
	kind := LookupKind(name)
	class := ClassRequest
	if kind == KindReplconf || kind == KindPsync {
		class = ClassReplication
	}
	return &Command{
		Name:   name,
		Kind:   kind,
		Class:  class,
		Params: params,
	}
}

// ParseCommand converts a RESP array value read from a stream into a Command
func ParseCommand(v Value) (*Command, error) {
	if v.Type != TypeArray || len(v.Array) == 0 {
		return nil, &DecodeError{Kind: ErrMalformedRequest, Reason: "command is not a non-empty array"}
	}

	if v.Array[0].Type != TypeBulkString || len(v.Array[0].Data) == 0 {
		return nil, &DecodeError{Kind: ErrMalformedRequest, Reason: "command name must be a non-empty bulk string"}
	}

	params := make([]string, len(v.Array)-1)
	for i := 1; i < len(v.Array); i++ {
		if v.Array[i].Type != TypeBulkString {
			return nil, &DecodeError{Kind: ErrMalformedRequest, Reason: fmt.Sprintf("argument %d is not a bulk string", i)}
		}
		params[i-1] = string(v.Array[i].Data)
	}

	return NewCommand(string(v.Array[0].Data), params...), nil
}

// Encode returns the command as a RESP array of bulk strings
func (c *Command) Encode() []byte {
	return AppendCommand(nil, c.Name, c.Params...)
}

// String returns a string representation of the command
func (c *Command) String() string {
	if len(c.Params) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Params, " ")
}
