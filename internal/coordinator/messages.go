package coordinator

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/shard"
)

// message is the closed set of mailbox messages of the coordinator loop.
type message interface {
	coordinatorMessage()
}

type searchMsg struct {
	ctx   context.Context
	req   SearchRequest
	start time.Time
	reply chan searchOutcome
}

type searchOutcome struct {
	result SearchResult
	err    error
}

// shardReplyMsg is posted by a dispatch goroutine once its transport call
// returns. attempt tells a retried dispatch apart from the first one.
type shardReplyMsg struct {
	queryID string
	shardID uint32
	addr    string
	attempt int
	resp    shard.Response
	latency time.Duration
}

type deadlineMsg struct {
	queryID string
}

type stopMsg struct {
	ack chan struct{}
}

func (searchMsg) coordinatorMessage()     {}
func (shardReplyMsg) coordinatorMessage() {}
func (deadlineMsg) coordinatorMessage()   {}
func (stopMsg) coordinatorMessage()       {}
