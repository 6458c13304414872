package memcodec

import (
	"fmt"
	"net/rpc"
	"reflect"

	"github.com/pkg/errors"
)

// Codec is an in memory net/rpc codec serving a single call.
type Codec struct {
	// Error is the error returned by the rpc response.
	Error error

	method string
	args   interface{}
	reply  interface{}
}

// New returns an in memory codec.
func New(method string, args, reply interface{}) *Codec {
	return &Codec{
		method: method,
		args:   args,
		reply:  reply,
	}
}

// ReadRequestHeader reads the request header.
func (c *Codec) ReadRequestHeader(req *rpc.Request) error {
	req.ServiceMethod = c.method
	return nil
}

// ReadRequestBody copies the call args into the request body.
func (c *Codec) ReadRequestBody(args interface{}) error {
	if args == nil {
		return nil
	}
	if c.args == nil {
		return errors.New("memcodec: args cannot be nil")
	}

	return copyValue(args, c.args)
}

// WriteResponse copies the response into the call reply.
func (c *Codec) WriteResponse(resp *rpc.Response, reply interface{}) error {
	if resp.Error != "" {
		c.Error = errors.New(resp.Error)
		return nil
	}
	if c.reply == nil {
		return nil
	}

	return copyValue(c.reply, reply)
}

// Close closes the codec.
func (c *Codec) Close() error {
	return nil
}

func copyValue(dst, src interface{}) error {
	s := reflect.Indirect(reflect.ValueOf(src))
	d := reflect.Indirect(reflect.ValueOf(dst))
	if !d.CanSet() {
		return fmt.Errorf("memcodec: cannot set %T", dst)
	}
	if !s.Type().AssignableTo(d.Type()) {
		return fmt.Errorf("memcodec: cannot assign %s to %s", s.Type(), d.Type())
	}

	d.Set(s)
	return nil
}
