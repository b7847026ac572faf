package shard

import (
	"context"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/query"
)

// message is the closed set of mailbox messages.
type message interface {
	shardMessage()
}

type executeMsg struct {
	ctx   context.Context
	req   Request
	reply chan<- Response
}

type swapMsg struct {
	handle *index.Handle
	// retire retires handle at most once; a swap that reaches the mailbox
	// after stop is retired by whichever of the drain or the caller sees it
	// first.
	retire func()
	reply  chan<- swapResult
}

type swapResult struct {
	generation uint64
	err        error
}

type healthMsg struct {
	reply chan<- Status
}

type evalDoneMsg struct {
	generation uint64
	stats      query.Stats
	err        error
}

type stopMsg struct {
	ack chan struct{}
}

func (executeMsg) shardMessage()  {}
func (swapMsg) shardMessage()     {}
func (healthMsg) shardMessage()   {}
func (evalDoneMsg) shardMessage() {}
func (stopMsg) shardMessage()     {}
