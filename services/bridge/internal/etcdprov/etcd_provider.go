package etcdprov

import (
	"context"
)

// EtcdKvItem 表示一个 etcd 键值对. Value is empty for delete events.
type EtcdKvItem struct {
	Key         string
	Value       string
	ModRevision EtcdRevision
}

type EtcdRevision int64

type EtcdSessionState string

const (
	ESS_Connected    EtcdSessionState = "connected"
	ESS_Disconnected EtcdSessionState = "disconnected"
)

// EtcdProvider is the coordinator cluster's worker registry backend.
// Implementations panic with a *kerror.Kerror on failure.
type EtcdProvider interface {
	// LoadAllByPrefix returns a consistent snapshot plus the revision it was read at.
	LoadAllByPrefix(ctx context.Context, pathPrefix string) ([]EtcdKvItem, EtcdRevision)

	// WatchByPrefix streams changes with ModRevision >= revision until ctx is done.
	WatchByPrefix(ctx context.Context, pathPrefix string, revision EtcdRevision) chan EtcdKvItem

	// CreateEtcdSession grants a lease; the caller must Close the session.
	CreateEtcdSession(ctx context.Context) EtcdSession

	Close(ctx context.Context)
}

// EtcdSession owns one lease. Nodes put through the session vanish when the
// session closes or the lease expires.
type EtcdSession interface {
	GetLeaseId() int64
	PutNode(key string, value string)
	DeleteNode(key string)
	GetCurrentState() EtcdSessionState
	// ChClosed is closed once the lease is gone, either by Close or by expiry.
	ChClosed() <-chan struct{}
	Close(ctx context.Context)
}
