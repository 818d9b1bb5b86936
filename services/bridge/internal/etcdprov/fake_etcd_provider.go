package etcdprov

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/xinkaiwang/clusterbridge/libs/xklib/kerror"
)

// FakeEtcdProvider 是一个纯内存实现的 EtcdProvider, used by tests and by
// single-process demos. Every node belongs to a session.
type FakeEtcdProvider struct {
	mu              sync.Mutex
	data            map[string]*fakeKV
	history         []EtcdKvItem
	currentRevision EtcdRevision
	watchers        map[*fakeWatcher]struct{}
	nextLease       int64
}

type fakeKV struct {
	Value       string
	ModRevision EtcdRevision
	Lease       int64
}

func NewFakeEtcdProvider() *FakeEtcdProvider {
	return &FakeEtcdProvider{
		data:            make(map[string]*fakeKV),
		currentRevision: 1,
		watchers:        make(map[*fakeWatcher]struct{}),
		nextLease:       1000,
	}
}

func (f *FakeEtcdProvider) LoadAllByPrefix(ctx context.Context, pathPrefix string) ([]EtcdKvItem, EtcdRevision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []EtcdKvItem
	for k, v := range f.data {
		if strings.HasPrefix(k, pathPrefix) {
			items = append(items, EtcdKvItem{Key: k, Value: v.Value, ModRevision: v.ModRevision})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})
	return items, f.currentRevision
}

// WatchByPrefix replays history from revision, then streams live changes.
// The channel is closed once ctx is done.
func (f *FakeEtcdProvider) WatchByPrefix(ctx context.Context, pathPrefix string, revision EtcdRevision) chan EtcdKvItem {
	w := &fakeWatcher{
		prefix: pathPrefix,
		out:    make(chan EtcdKvItem),
		wake:   make(chan struct{}, 1),
	}
	f.mu.Lock()
	for _, item := range f.history {
		if item.ModRevision >= revision && strings.HasPrefix(item.Key, pathPrefix) {
			w.pending = append(w.pending, item)
		}
	}
	f.watchers[w] = struct{}{}
	f.mu.Unlock()
	w.signal()

	go func() {
		defer close(w.out)
		defer func() {
			f.mu.Lock()
			delete(f.watchers, w)
			f.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			}
			f.mu.Lock()
			batch := w.pending
			w.pending = nil
			f.mu.Unlock()
			for _, item := range batch {
				select {
				case w.out <- item:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return w.out
}

func (f *FakeEtcdProvider) CreateEtcdSession(ctx context.Context) EtcdSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLease++
	return &FakeEtcdSession{
		parent:   f,
		lease:    f.nextLease,
		chClosed: make(chan struct{}),
	}
}

func (f *FakeEtcdProvider) Close(ctx context.Context) {}

// Count returns how many nodes live under prefix.
func (f *FakeEtcdProvider) Count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

// caller holds f.mu
func (f *FakeEtcdProvider) apply(key string, value string, lease int64, isDelete bool) {
	f.currentRevision++
	if isDelete {
		delete(f.data, key)
	} else {
		f.data[key] = &fakeKV{Value: value, ModRevision: f.currentRevision, Lease: lease}
	}
	item := EtcdKvItem{Key: key, Value: value, ModRevision: f.currentRevision}
	f.history = append(f.history, item)
	for w := range f.watchers {
		if strings.HasPrefix(key, w.prefix) {
			w.pending = append(w.pending, item)
			w.signal()
		}
	}
}

type fakeWatcher struct {
	prefix  string
	pending []EtcdKvItem // guarded by FakeEtcdProvider.mu
	out     chan EtcdKvItem
	wake    chan struct{}
}

func (w *fakeWatcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

/********************** FakeEtcdSession **********************/

type FakeEtcdSession struct {
	parent    *FakeEtcdProvider
	lease     int64
	closeOnce sync.Once
	chClosed  chan struct{}
}

func (s *FakeEtcdSession) GetLeaseId() int64 {
	return s.lease
}

func (s *FakeEtcdSession) GetCurrentState() EtcdSessionState {
	select {
	case <-s.chClosed:
		return ESS_Disconnected
	default:
		return ESS_Connected
	}
}

func (s *FakeEtcdSession) ChClosed() <-chan struct{} {
	return s.chClosed
}

func (s *FakeEtcdSession) PutNode(key string, value string) {
	if s.GetCurrentState() != ESS_Connected {
		panic(kerror.Create("EtcdSessionError", "session not connected").With("lease", s.lease))
	}
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.apply(key, value, s.lease, false)
}

func (s *FakeEtcdSession) DeleteNode(key string) {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	if _, ok := s.parent.data[key]; !ok {
		return
	}
	s.parent.apply(key, "", s.lease, true)
}

// Close drops every node put through this session, like a lease revoke.
func (s *FakeEtcdSession) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.parent.mu.Lock()
		var keys []string
		for k, v := range s.parent.data {
			if v.Lease == s.lease {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.parent.apply(k, "", s.lease, true)
		}
		s.parent.mu.Unlock()
		close(s.chClosed)
	})
}
