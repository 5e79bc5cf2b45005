package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// Timestamp is a commit or snapshot timestamp in nanoseconds since the Unix
// epoch. MVCC versions and transaction ordering are expressed in it.
type Timestamp uint64

// LogIndex is the position of an entry in the replicated log.
type LogIndex uint64
