package entity

import (
	"context"
	"fmt"

	"github.com/davidroman0O/durable/internal/types"
)

// Entity is user code run for one operation. State changes made by a
// failing operation are discarded.
type Entity func(ctx *Context) error

type signal struct {
	target    types.EntityID
	operation string
	input     []byte
}

// Context is handed to an Entity for exactly one operation.
type Context struct {
	ctx       context.Context
	id        types.EntityID
	operation string
	input     []byte
	state     []byte
	result    []byte
	signals   []signal
}

func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) ID() types.EntityID { return c.id }

func (c *Context) Operation() string { return c.operation }

func (c *Context) GetInput(target interface{}) error {
	return types.Decode(c.input, target)
}

func (c *Context) HasState() bool { return c.state != nil }

// GetState leaves target untouched when the entity has no state yet.
func (c *Context) GetState(target interface{}) error {
	return types.Decode(c.state, target)
}

func (c *Context) SetState(v interface{}) error {
	data, err := types.Encode(v)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	c.state = data
	return nil
}

// DeleteState makes the entity not exist anymore.
func (c *Context) DeleteState() { c.state = nil }

func (c *Context) Return(v interface{}) error {
	data, err := types.Encode(v)
	if err != nil {
		return err
	}
	c.result = data
	return nil
}

// SignalEntity sends a one-way operation to another entity once the current
// operation succeeds.
func (c *Context) SignalEntity(target types.EntityID, operation string, input interface{}) error {
	if target.Name == "" {
		return fmt.Errorf("signal from %s: target entity has no name", c.id)
	}
	data, err := types.Encode(input)
	if err != nil {
		return err
	}
	c.signals = append(c.signals, signal{target: target, operation: operation, input: data})
	return nil
}
