package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
)

// Etcd keeps shard placement in etcd. Shard nodes register
// <prefix>/<shardID>/<addr> under a lease they keep alive; coordinators
// watch the prefix and rebuild their view on every change.
type Etcd struct {
	client *clientv3.Client
	prefix string
	ttl    int64
	known  []uint32
	view   atomic.Pointer[View]
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewEtcd connects to the configured endpoints. known lists the shards the
// view always contains.
func NewEtcd(cfg config.EtcdConfig, known []uint32) (*Etcd, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd: no endpoints configured")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 3 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dial,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 10
	}
	prefix := strings.TrimRight(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "/topk/shards"
	}
	e := &Etcd{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		known:  known,
		logger: slog.Default().With("component", "cluster-etcd", "prefix", prefix),
	}
	empty := NewView(nil, known...)
	e.view.Store(&empty)
	return e, nil
}

// Snapshot returns the latest view.
func (e *Etcd) Snapshot() View { return *e.view.Load() }

// Key is the registration key of one replica.
func (e *Etcd) Key(shardID uint32, addr string) string {
	return fmt.Sprintf("%s/%d/%s", e.prefix, shardID, addr)
}

// Watch loads the current placement and keeps the view in sync until ctx
// ends.
func (e *Etcd) Watch(ctx context.Context) error {
	if err := e.reload(ctx); err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for ctx.Err() == nil {
			ch := e.client.Watch(ctx, e.prefix+"/", clientv3.WithPrefix())
			for resp := range ch {
				if err := resp.Err(); err != nil {
					e.logger.Warn("watch error", "error", err)
					break
				}
				for _, ev := range resp.Events {
					e.logger.Debug("membership event", "type", ev.Type.String(), "key", string(ev.Kv.Key))
				}
				// Full resync, as events may be compacted away.
				if err := e.reload(ctx); err != nil {
					e.logger.Warn("reloading membership failed", "error", err)
				}
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}()
	return nil
}

func (e *Etcd) reload(ctx context.Context) error {
	resp, err := e.client.Get(ctx, e.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("listing shard replicas: %w", err)
	}
	v := buildView(e.prefix, resp.Kvs, e.known)
	e.view.Store(&v)
	e.logger.Info("membership refreshed", "shards", len(v.shards), "registrations", len(resp.Kvs))
	return nil
}

func buildView(prefix string, kvs []*mvccpb.KeyValue, known []uint32) View {
	placement := make(map[uint32][]string)
	for _, kv := range kvs {
		shardID, addr, ok := parseKey(prefix, string(kv.Key))
		if !ok {
			continue
		}
		placement[shardID] = append(placement[shardID], addr)
	}
	return NewView(placement, known...)
}

func parseKey(prefix, key string) (uint32, string, bool) {
	rest, ok := strings.CutPrefix(key, prefix+"/")
	if !ok {
		return 0, "", false
	}
	idStr, addr, ok := strings.Cut(rest, "/")
	if !ok || addr == "" {
		return 0, "", false
	}
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(id), addr, true
}

// Register announces addr as a replica of every shard in shardIDs and keeps
// the registration alive until ctx ends, then removes it.
func (e *Etcd) Register(ctx context.Context, shardIDs []uint32, addr string) error {
	lease, err := e.register(ctx, shardIDs, addr)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		tick := time.NewTicker(time.Duration(e.ttl) * time.Second / 3)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				e.unregister(shardIDs, addr, lease)
				return
			case <-tick.C:
			}
			_, err := e.client.KeepAliveOnce(ctx, lease)
			switch {
			case errors.Is(err, rpctypes.ErrLeaseNotFound):
				e.logger.Warn("lease expired, registering again", "addr", addr)
				if l, err := e.register(ctx, shardIDs, addr); err == nil {
					lease = l
				} else {
					e.logger.Error("re-registration failed", "addr", addr, "error", err)
				}
			case err != nil && ctx.Err() == nil:
				e.logger.Warn("lease keepalive failed", "addr", addr, "error", err)
			}
		}
	}()
	return nil
}

func (e *Etcd) register(ctx context.Context, shardIDs []uint32, addr string) (clientv3.LeaseID, error) {
	lease, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		return 0, fmt.Errorf("granting lease: %w", err)
	}
	for _, id := range shardIDs {
		if _, err := e.client.Put(ctx, e.Key(id, addr), "", clientv3.WithLease(lease.ID)); err != nil {
			return 0, fmt.Errorf("registering shard %d at %s: %w", id, addr, err)
		}
	}
	e.logger.Info("replica registered", "addr", addr, "shards", shardIDs, "lease_ttl", e.ttl)
	return lease.ID, nil
}

func (e *Etcd) unregister(shardIDs []uint32, addr string, lease clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, id := range shardIDs {
		if _, err := e.client.Delete(ctx, e.Key(id, addr)); err != nil {
			e.logger.Warn("unregistering replica failed", "shard_id", id, "addr", addr, "error", err)
		}
	}
	if _, err := e.client.Revoke(ctx, lease); err != nil {
		e.logger.Debug("revoking lease failed", "error", err)
	}
	e.logger.Info("replica unregistered", "addr", addr)
}

// Close waits for background loops, whose contexts the caller must have
// cancelled, and closes the client.
func (e *Etcd) Close() error {
	e.wg.Wait()
	return e.client.Close()
}
