package raftadapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"spankv/pkg/command"
	"spankv/pkg/config"
	"spankv/pkg/consensus"
	"spankv/pkg/dberrors"
	"spankv/pkg/types"
	"spankv/pkg/wal"
)

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Node is the consensus module for one replica group: a thin shell around
// etcd/raft that persists entries to the WAL before they leave the node and
// feeds committed entries to the storage engine in index order.
type Node struct {
	ID           uint64
	Peers        map[uint64]string
	underlying   raft.Node
	applier      consensus.Applier
	ms           *raft.MemoryStorage
	journal      *wal.WAL
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

// NewNode builds a raft node on top of the journal. If the journal already
// holds records from a previous run, the raft state is restored from it and
// the node rejoins the group instead of bootstrapping.
func NewNode(cfg *config.RaftConfig, applier consensus.Applier, journal *wal.WAL) (*Node, error) {
	rc := toRaftConfig(cfg)
	ms := raft.NewMemoryStorage()
	rc.Storage = ms

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	restored, err := restoreFromJournal(ms, journal)
	if err != nil {
		return nil, fmt.Errorf("restore raft state: %w", err)
	}

	var underlying raft.Node
	if restored {
		underlying = raft.RestartNode(rc)
	} else {
		underlying = raft.StartNode(rc, raftPeers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           cfg.ID,
		Peers:        peers,
		conf:         &confState,
		underlying:   underlying,
		applier:      applier,
		ms:           ms,
		journal:      journal,
		tickInterval: 100 * time.Millisecond,
		transport:    NewTransport(peers),
		proposals:    make(map[uuid.UUID]chan proposeResult),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

// restoreFromJournal replays the WAL into the raft memory storage. Raft may
// have overwritten an uncommitted tail with entries from a newer term, so a
// replayed entry whose index is not past the previous one truncates the tail.
func restoreFromJournal(ms *raft.MemoryStorage, journal *wal.WAL) (bool, error) {
	var (
		ents []raftpb.Entry
		hs   raftpb.HardState
		seen bool
	)

	err := journal.Replay(func(kind wal.RecordKind, data []byte) error {
		seen = true
		switch kind {
		case wal.RecordEntry:
			var e raftpb.Entry
			if err := e.Unmarshal(data); err != nil {
				return fmt.Errorf("unmarshal entry: %w", err)
			}
			for len(ents) > 0 && ents[len(ents)-1].Index >= e.Index {
				ents = ents[:len(ents)-1]
			}
			ents = append(ents, e)
		case wal.RecordState:
			if err := hs.Unmarshal(data); err != nil {
				return fmt.Errorf("unmarshal hard state: %w", err)
			}
		default:
			return fmt.Errorf("unknown WAL record kind %d", kind)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !seen {
		return false, nil
	}

	if !raft.IsEmptyHardState(hs) {
		if err := ms.SetHardState(hs); err != nil {
			return false, fmt.Errorf("set hard state: %w", err)
		}
	}
	if err := ms.Append(ents); err != nil {
		return false, fmt.Errorf("append entries: %w", err)
	}

	return true, nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	// Entries and hard state must be durable before any message referring
	// to them leaves the node.
	var lastSeq uint64
	if !raft.IsEmptyHardState(rd.HardState) {
		data, err := rd.HardState.Marshal()
		if err != nil {
			return fmt.Errorf("marshal hard state: %w", err)
		}
		lastSeq = n.journal.Append(wal.RecordState, data)
	}
	for i := range rd.Entries {
		data, err := rd.Entries[i].Marshal()
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		lastSeq = n.journal.Append(wal.RecordEntry, data)
	}
	if lastSeq > 0 {
		n.journal.WaitFor(lastSeq)
	}

	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.ms.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	if err := n.ms.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			slog.Error("critical: failed to apply entry", "index", entry.Index, "error", err)
			return fmt.Errorf("apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		return nil
	}

	cmd, err := command.Decode(entry.Data)
	if err != nil {
		return err
	}

	applyErr := n.applier.Apply(cmd, types.LogIndex(entry.Index))
	return n.notifyProposalResult(cmd.ID, proposeResult{Err: applyErr})
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderAddr() string {
	leaderID := n.underlying.Status().Lead
	return n.Peers[leaderID]
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

type proposeResult struct {
	Err error
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result proposeResult) error {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[cmdID]
	n.proposalsMu.RUnlock()

	if !ok {
		// Normal on followers, after a proposer timeout, or after a
		// leadership change: nobody is waiting for this command here.
		slog.Debug("proposal result channel not found (ignored)", "cmd_id", cmdID, "is_leader", n.IsLeader())
		return nil
	}

	// never block apply on a listener that already left
	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
	return nil
}

// Execute proposes cmd to the replicated log and blocks until it is committed
// and applied on this node, or ctx expires. Followers reject proposals; the
// caller is expected to retry against the leader.
func (n *Node) Execute(ctx context.Context, cmd command.Command) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %s", dberrors.ErrInvalidArgument, err)
	}

	if !n.IsLeader() {
		if n.LeaderAddr() == "" {
			return dberrors.ErrUnavailable
		}
		return dberrors.ErrNotLeader
	}

	data, err := cmd.Encode()
	if err != nil {
		return err
	}

	resultChan := make(chan proposeResult, 1)

	n.proposalsMu.Lock()
	n.proposals[cmd.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, cmd.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return fmt.Errorf("propose: %w", err)
	}

	select {
	case result := <-resultChan:
		return result.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle feeds a raft message received from a peer into the state machine.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	slog.Info("stopping raft node", "id", n.ID)

	n.underlying.Stop()
	n.stop()

	// Tell pending proposers the node is gone. The channels are never
	// closed: the apply path may hold one and be about to send.
	n.proposalsMu.Lock()
	for _, resultChan := range n.proposals {
		select {
		case resultChan <- proposeResult{Err: dberrors.ErrClosed}:
		default:
		}
	}
	n.proposals = make(map[uuid.UUID]chan proposeResult)
	n.proposalsMu.Unlock()

	slog.Info("raft node stopped", "id", n.ID)
	return nil
}
