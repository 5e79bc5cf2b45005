package consensus

import (
	"context"

	"spankv/pkg/command"
	"spankv/pkg/types"
)

// Applier applies committed log entries to the state machine, in strictly
// increasing index order.
type Applier interface {
	Apply(cmd command.Command, index types.LogIndex) error
}

// Proposer submits commands to the replicated log. Execute returns only after
// the command is committed by a majority and applied locally.
type Proposer interface {
	Execute(ctx context.Context, cmd command.Command) error
	IsLeader() bool
	LeaderAddr() string
}
