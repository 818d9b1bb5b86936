package etcdprov

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kcommon"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/klogging"
	"github.com/xinkaiwang/clusterbridge/services/bridge/internal/config"
	clientv3 "go.etcd.io/etcd/client/v3"
)

/********************** DefEtcdProvider **********************/

// DefEtcdProvider implements EtcdProvider on a real etcd cluster.
type DefEtcdProvider struct {
	endpoints      []string
	timeoutMs      int
	leaseTimeoutMs int
	client         *clientv3.Client
}

// NewDefEtcdProvider panics with EtcdConnectError if the client cannot be created.
func NewDefEtcdProvider(ctx context.Context, cfg *config.BridgeConfig) *DefEtcdProvider {
	klogging.Info(ctx).With("endpoints", strings.Join(cfg.EtcdEndpoints, ",")).
		With("dialTimeoutMs", cfg.EtcdTimeoutMs).
		Log("DefEtcdProvider", "Creating etcd provider")
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: time.Duration(cfg.EtcdTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		panic(kerror.Wrap(err, "EtcdConnectError", "failed to connect to etcd", false).
			WithErrorCode(kerror.EC_INTERNAL_ERROR).
			With("endpoints", strings.Join(cfg.EtcdEndpoints, ",")))
	}
	return &DefEtcdProvider{
		endpoints:      cfg.EtcdEndpoints,
		timeoutMs:      cfg.EtcdTimeoutMs,
		leaseTimeoutMs: cfg.EtcdLeaseTimeoutMs,
		client:         cli,
	}
}

func (pvd *DefEtcdProvider) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(pvd.timeoutMs)*time.Millisecond)
}

// LoadAllByPrefix reads page by page, every page pinned to the first page's revision.
func (pvd *DefEtcdProvider) LoadAllByPrefix(ctx context.Context, pathPrefix string) ([]EtcdKvItem, EtcdRevision) {
	const pageSize = 500
	var items []EtcdKvItem
	var revision int64
	key := pathPrefix
	rangeEnd := clientv3.GetPrefixRangeEnd(pathPrefix)
	for {
		opts := []clientv3.OpOption{
			clientv3.WithRange(rangeEnd),
			clientv3.WithLimit(pageSize),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		}
		if revision > 0 {
			opts = append(opts, clientv3.WithRev(revision))
		}
		getCtx, cancel := pvd.opCtx(ctx)
		resp, err := pvd.client.Get(getCtx, key, opts...)
		cancel()
		if err != nil {
			panic(kerror.Wrap(err, "EtcdLoadError", "failed to load keys from etcd", false).
				WithErrorCode(kerror.EC_RETRYABLE).
				With("pathPrefix", pathPrefix))
		}
		if revision == 0 {
			revision = resp.Header.Revision
		}
		for _, kv := range resp.Kvs {
			items = append(items, EtcdKvItem{
				Key:         string(kv.Key),
				Value:       string(kv.Value),
				ModRevision: EtcdRevision(kv.ModRevision),
			})
		}
		if !resp.More || len(resp.Kvs) == 0 {
			break
		}
		// 下一页从最后一个 key 之后开始
		key = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	}
	klogging.Debug(ctx).With("pathPrefix", pathPrefix).With("count", len(items)).With("revision", revision).
		Log("LoadAllByPrefix", "loaded")
	return items, EtcdRevision(revision)
}

// WatchByPrefix re-establishes the watch after errors, resuming from the last seen revision.
func (pvd *DefEtcdProvider) WatchByPrefix(ctx context.Context, pathPrefix string, revision EtcdRevision) chan EtcdKvItem {
	eventChan := make(chan EtcdKvItem, 100)
	go func() {
		defer close(eventChan)
		currentRev := revision
		for {
			if ctx.Err() != nil {
				return
			}
			opts := []clientv3.OpOption{clientv3.WithPrefix()}
			if currentRev > 0 {
				opts = append(opts, clientv3.WithRev(int64(currentRev)))
			}
			watchChan := pvd.client.Watch(ctx, pathPrefix, opts...)
			for wresp := range watchChan {
				if wresp.CompactRevision > 0 {
					klogging.Warning(ctx).With("pathPrefix", pathPrefix).
						With("requestedRevision", currentRev).
						With("compactRevision", wresp.CompactRevision).
						Log("WatchByPrefix", "requested revision has been compacted")
					currentRev = EtcdRevision(wresp.CompactRevision)
					break
				}
				if wresp.Err() != nil {
					klogging.Error(ctx).WithError(wresp.Err()).With("pathPrefix", pathPrefix).
						Log("WatchByPrefix", "watch error occurred")
					break
				}
				for _, event := range wresp.Events {
					item := EtcdKvItem{
						Key:         string(event.Kv.Key),
						ModRevision: EtcdRevision(event.Kv.ModRevision),
					}
					if event.Type == clientv3.EventTypePut {
						item.Value = string(event.Kv.Value)
					}
					currentRev = item.ModRevision + 1
					select {
					case eventChan <- item:
					case <-ctx.Done():
						return
					}
				}
			}
			if ctx.Err() != nil {
				return
			}
			klogging.Warning(ctx).With("pathPrefix", pathPrefix).With("revision", currentRev).
				Log("WatchByPrefix", "watch channel closed, retrying")
			kcommon.SleepMs(ctx, 1000)
		}
	}()
	return eventChan
}

func (pvd *DefEtcdProvider) CreateEtcdSession(ctx context.Context) EtcdSession {
	return NewDefEtcdSession(ctx, pvd)
}

func (pvd *DefEtcdProvider) Close(ctx context.Context) {
	if err := pvd.client.Close(); err != nil {
		klogging.Warning(ctx).WithError(err).Log("DefEtcdProvider", "close client failed")
	}
}

/********************** DefEtcdSession **********************/

type DefEtcdSession struct {
	sessionId string
	parent    *DefEtcdProvider
	lessor    clientv3.Lease
	lease     clientv3.LeaseID
	opTimeout time.Duration

	mu    sync.RWMutex
	state EtcdSessionState

	keepAliveCancel context.CancelFunc
	closeOnce       sync.Once
	chClosed        chan struct{}
}

// NewDefEtcdSession panics with EtcdGrantError if the lease cannot be granted.
func NewDefEtcdSession(ctx context.Context, parent *DefEtcdProvider) *DefEtcdSession {
	grantCtx, cancel := parent.opCtx(ctx)
	defer cancel()

	startTime := kcommon.GetWallTimeMs()
	lease, err := parent.client.Grant(grantCtx, int64(parent.leaseTimeoutMs/1000))
	elapsedMs := kcommon.GetWallTimeMs() - startTime
	if err != nil {
		panic(kerror.Wrap(err, "EtcdGrantError", "failed to grant lease", false).
			With("endpoints", strings.Join(parent.endpoints, ",")).
			With("elapsedMs", elapsedMs).
			With("timeoutMs", parent.timeoutMs))
	}
	klogging.Info(ctx).With("leaseId", lease.ID).With("elapsedMs", elapsedMs).Log("DefEtcdSession", "lease granted")

	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	session := &DefEtcdSession{
		sessionId:       strconv.FormatInt(int64(lease.ID), 10),
		parent:          parent,
		lessor:          parent.client.Lease,
		lease:           lease.ID,
		opTimeout:       time.Duration(parent.timeoutMs) * time.Millisecond,
		state:           ESS_Connected,
		keepAliveCancel: keepAliveCancel,
		chClosed:        make(chan struct{}),
	}
	go session.keepalive(keepAliveCtx)
	return session
}

func (session *DefEtcdSession) keepalive(ctx context.Context) {
	defer session.markClosed()
	keepAliveCh, err := session.lessor.KeepAlive(ctx, session.lease)
	if err != nil {
		klogging.Error(ctx).WithError(err).With("sessionId", session.sessionId).Log("EtcdSession", "keepalive initial error")
		if ctx.Err() != nil {
			session.revoke()
		}
		return
	}
	for {
		select {
		case <-ctx.Done():
			session.revoke()
			return
		case ka, ok := <-keepAliveCh:
			if !ok {
				// the lessor also closes the channel when ctx is cancelled
				if ctx.Err() != nil {
					session.revoke()
					return
				}
				klogging.Warning(ctx).With("sessionId", session.sessionId).Log("EtcdSession", "keepalive channel closed, lease lost")
				return
			}
			klogging.Verbose(ctx).With("sessionId", session.sessionId).With("ttl", ka.TTL).Log("EtcdSession", "keepalive")
		}
	}
}

// revoke drops the lease so the session's eph nodes disappear right away.
func (session *DefEtcdSession) revoke() {
	revokeCtx, cancel := context.WithTimeout(context.Background(), session.opTimeout)
	defer cancel()
	if _, err := session.lessor.Revoke(revokeCtx, session.lease); err != nil {
		klogging.Warning(revokeCtx).WithError(err).With("sessionId", session.sessionId).Log("EtcdSession", "revoke failed")
	}
}

func (session *DefEtcdSession) markClosed() {
	session.mu.Lock()
	session.state = ESS_Disconnected
	session.mu.Unlock()
	session.closeOnce.Do(func() {
		close(session.chClosed)
	})
}

func (session *DefEtcdSession) GetLeaseId() int64 {
	return int64(session.lease)
}

func (session *DefEtcdSession) GetCurrentState() EtcdSessionState {
	session.mu.RLock()
	defer session.mu.RUnlock()
	return session.state
}

func (session *DefEtcdSession) ChClosed() <-chan struct{} {
	return session.chClosed
}

func (session *DefEtcdSession) PutNode(key string, value string) {
	if session.GetCurrentState() != ESS_Connected {
		panic(kerror.Create("EtcdSessionError", "session not connected").With("sessionId", session.sessionId))
	}
	ctx, cancel := session.parent.opCtx(context.Background())
	defer cancel()
	if _, err := session.parent.client.Put(ctx, key, value, clientv3.WithLease(session.lease)); err != nil {
		panic(kerror.Wrap(err, "EtcdPutError", "failed to put node", false).
			WithErrorCode(kerror.EC_RETRYABLE).
			With("key", key).With("sessionId", session.sessionId))
	}
}

func (session *DefEtcdSession) DeleteNode(key string) {
	if session.GetCurrentState() != ESS_Connected {
		panic(kerror.Create("EtcdSessionError", "session not connected").With("sessionId", session.sessionId))
	}
	ctx, cancel := session.parent.opCtx(context.Background())
	defer cancel()
	if _, err := session.parent.client.Delete(ctx, key); err != nil {
		panic(kerror.Wrap(err, "EtcdDeleteError", "failed to delete node", false).
			With("key", key).With("sessionId", session.sessionId))
	}
}

// Close blocks until the keepalive loop has revoked the lease.
func (session *DefEtcdSession) Close(ctx context.Context) {
	klogging.Info(ctx).With("sessionId", session.sessionId).Log("EtcdSession", "closing session")
	session.keepAliveCancel()
	select {
	case <-session.chClosed:
	case <-ctx.Done():
	}
}
