package command

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"spankv/pkg/types"
)

// Mutation is a single key change carried by a committed transaction.
type Mutation struct {
	Key       []byte `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// Command is the payload of one consensus log entry: the write set of a
// transaction stamped with its commit timestamp. It is immutable once
// proposed.
type Command struct {
	ID        uuid.UUID       `json:"id"`
	StartTS   types.Timestamp `json:"start_ts"`
	CommitTS  types.Timestamp `json:"commit_ts"`
	Mutations []Mutation      `json:"mutations"`
}

func New(startTS, commitTS types.Timestamp, mutations []Mutation) Command {
	return Command{
		ID:        uuid.New(),
		StartTS:   startTS,
		CommitTS:  commitTS,
		Mutations: mutations,
	}
}

func (c Command) Validate() error {
	if c.CommitTS == 0 {
		return fmt.Errorf("command %s: zero commit timestamp", c.ID)
	}
	if len(c.Mutations) == 0 {
		return fmt.Errorf("command %s: empty mutation set", c.ID)
	}
	for _, m := range c.Mutations {
		if len(m.Key) == 0 {
			return fmt.Errorf("command %s: empty key", c.ID)
		}
		if !m.Tombstone && len(m.Value) == 0 {
			return fmt.Errorf("command %s: empty value for key %q", c.ID, m.Key)
		}
	}
	return nil
}

func (c Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("unmarshal command: %w", err)
	}
	return c, nil
}
