// Package pipeline wires heterogeneous plugin subprocesses into a data-flow
// chain (Producer → zero-or-more Transformers → Consumer), forwards bytes
// between adjacent blocks under backpressure, taps the record-streaming
// protocol for STATE capture, and drives the chain to completion or
// failure.
package pipeline

import "github.com/syphonlabs/syphon/internal/proc"

// Role describes a block's position in the chain and which streams it
// exposes: a Producer only output, a Consumer only input, a Transformer
// both.
type Role int

const (
	RoleProducer Role = iota
	RoleTransformer
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleTransformer:
		return "transformer"
	case RoleConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// Block is one pipeline stage wrapping a single subprocess invocation.
type Block struct {
	Role Role
	Name string
	Spec proc.Spec
}

// Producer builds the head block of a chain.
func Producer(name string, spec proc.Spec) Block {
	return Block{Role: RoleProducer, Name: name, Spec: spec}
}

// Transformer builds a middle block.
func Transformer(name string, spec proc.Spec) Block {
	return Block{Role: RoleTransformer, Name: name, Spec: spec}
}

// Consumer builds the tail block of a chain.
func Consumer(name string, spec proc.Spec) Block {
	return Block{Role: RoleConsumer, Name: name, Spec: spec}
}
