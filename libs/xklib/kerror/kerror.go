package kerror

import (
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

type Keypair struct {
	K string
	V interface{}
}

// Kerror is the error type shared by every layer of the bridge.
// Type is a stable, machine readable name ("EmptyClusterError"); Msg is for humans.
type Kerror struct {
	Type      string
	Msg       string
	Details   []Keypair // slice keeps insertion order
	Stack     string    // only the innermost kerror needs one
	CausedBy  error
	ErrorCode ErrorCode
}

func Create(errType string, msg string) *Kerror {
	return &Kerror{
		Type:      errType,
		Msg:       msg,
		Stack:     GetCallStack(1),
		ErrorCode: EC_UNKNOWN,
	}
}

// Wrap attaches err as the cause of a new Kerror.
// Stack traces are expensive, only ask for one when err does not carry its own.
func Wrap(err error, errType, msg string, needStack bool) *Kerror {
	ke := &Kerror{
		Type:      errType,
		Msg:       msg,
		CausedBy:  err,
		ErrorCode: EC_UNKNOWN,
	}
	if Retryable(err) {
		ke.ErrorCode = EC_RETRYABLE
	}
	if needStack {
		var inner *Kerror
		if !errors.As(err, &inner) {
			ke.Stack = GetCallStack(1)
		}
	}
	return ke
}

func (ke *Kerror) Error() string {
	return ke.ShortString()
}

func (ke *Kerror) String() string {
	return ke.FullString()
}

func (ke *Kerror) With(key string, val interface{}) *Kerror {
	ke.Details = append(ke.Details, Keypair{K: key, V: val})
	return ke
}

func (ke *Kerror) WithErrorCode(code ErrorCode) *Kerror {
	ke.ErrorCode = code
	return ke
}

func (ke *Kerror) WithoutStack() *Kerror {
	ke.Stack = ""
	return ke
}

// Unwrap lets errors.Is / errors.As walk the CausedBy chain.
func (ke *Kerror) Unwrap() error {
	return ke.CausedBy
}

func (ke *Kerror) GetType() string {
	return ke.Type
}

// GetDetail returns the first detail value stored under key, nil if absent.
func (ke *Kerror) GetDetail(key string) interface{} {
	for _, item := range ke.Details {
		if item.K == key {
			return item.V
		}
	}
	return nil
}

func (ke *Kerror) GetHttpErrorCode() int {
	return ke.ErrorCode.ToHttpErrorCode()
}

func (ke *Kerror) ShortString() string {
	var b strings.Builder
	ke.writeTo(&b, false, false)
	return b.String()
}

func (ke *Kerror) FullString() string {
	var b strings.Builder
	ke.writeTo(&b, true, true)
	return b.String()
}

func (ke *Kerror) CausedByString() string {
	var b strings.Builder
	ke.writeCause(&b, false)
	return b.String()
}

func (ke *Kerror) writeTo(b *strings.Builder, withStack, withCause bool) {
	fmt.Fprintf(b, "%s: %s", ke.Type, ke.Msg)
	for _, item := range ke.Details {
		fmt.Fprintf(b, ", %s=%v", item.K, formatVal(item.V))
	}
	if withStack && ke.Stack != "" {
		fmt.Fprintf(b, ", stack=%s", ke.Stack)
	}
	if withCause && ke.CausedBy != nil {
		b.WriteString(";\n Caused by: ")
		ke.writeCause(b, withStack)
	}
}

func (ke *Kerror) writeCause(b *strings.Builder, withStack bool) {
	if ke.CausedBy == nil {
		return
	}
	if cause, ok := ke.CausedBy.(*Kerror); ok {
		cause.writeTo(b, withStack, true)
		return
	}
	b.WriteString(ke.CausedBy.Error())
}

func formatVal(val interface{}) interface{} {
	if bytes, ok := val.([]byte); ok {
		return hex.EncodeToString(bytes)
	}
	return val
}

func GetCallStack(removeTop int) string {
	stack := string(debug.Stack())
	split := strings.SplitAfterN(stack, "\n", 6+2*removeTop)
	return split[len(split)-1]
}

// IsType reports whether any Kerror in err's chain has the given Type.
func IsType(err error, errType string) bool {
	for err != nil {
		if ke, ok := err.(*Kerror); ok && ke.Type == errType {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// AsKerror returns err itself when it is a Kerror, otherwise wraps it.
func AsKerror(err error, errType string) *Kerror {
	if err == nil {
		return nil
	}
	if ke, ok := err.(*Kerror); ok {
		return ke
	}
	return Wrap(err, errType, err.Error(), false)
}

type retryable interface {
	Retryable() bool
}

func (ke *Kerror) Retryable() bool {
	return ke.ErrorCode == EC_RETRYABLE
}

// Retryable works on any error, not only Kerror.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	r, ok := err.(retryable)
	return ok && r.Retryable()
}
