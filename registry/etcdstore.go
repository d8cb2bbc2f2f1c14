// Package registry also provides an etcd-backed Store implementation.
//
// EtcdStore mirrors the routing table into an etcd cluster, for deployments
// where an operator wants the registry visible outside the gateway host (or
// wants a freshly provisioned gateway to bootstrap from a peer's table).
//
//	Key:   /clustergate/registry/{node}
//	Value: the same JSON document FileStore writes
//
// The key is written under a TTL lease with KeepAlive renewal, so a gateway
// that dies stops advertising its table instead of leaving a ghost entry.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdKeyPrefix = "/clustergate/registry/"

// EtcdStore implements Store on top of etcd v3. It is an optional mirror,
// not the source of truth; FileStore remains authoritative locally.
type EtcdStore struct {
	client  *clientv3.Client
	node    string
	ttl     int64
	leaseID clientv3.LeaseID
}

// NewEtcdStore connects to the given endpoints and mirrors under the node
// name. ttl is the lease TTL in seconds (minimum 5).
func NewEtcdStore(endpoints []string, node string, ttl int64) (*EtcdStore, error) {
	if ttl < 5 {
		ttl = 5
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &EtcdStore{client: c, node: node, ttl: ttl}, nil
}

// Load reads back this node's last mirrored snapshot. A missing key is an
// empty registry, same as a missing file.
func (s *EtcdStore) Load() (Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := s.client.Get(ctx, etcdKeyPrefix+s.node)
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Snapshot{}, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(resp.Kvs[0].Value, &snap); err != nil {
		return nil, fmt.Errorf("parse etcd snapshot: %w", err)
	}
	return snap, nil
}

// Save writes the snapshot under a leased key. The first Save grants the
// lease and starts KeepAlive; later saves reuse it.
func (s *EtcdStore) Save(snap Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if s.leaseID == clientv3.NoLease {
		lease, err := s.client.Grant(ctx, s.ttl)
		if err != nil {
			return fmt.Errorf("etcd lease grant: %w", err)
		}
		s.leaseID = lease.ID

		ch, err := s.client.KeepAlive(context.Background(), lease.ID)
		if err != nil {
			return fmt.Errorf("etcd keepalive: %w", err)
		}
		// Drain keepalive acks so the channel never fills up.
		go func() {
			for range ch {
			}
		}()
	}

	_, err = s.client.Put(ctx, etcdKeyPrefix+s.node, string(data), clientv3.WithLease(s.leaseID))
	if err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}
	return nil
}

// Peers lists the snapshots every live gateway is currently advertising,
// keyed by node name. Useful for bootstrapping and for operator tooling.
func (s *EtcdStore) Peers() (map[string]Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := s.client.Get(ctx, etcdKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list: %w", err)
	}
	peers := make(map[string]Snapshot, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var snap Snapshot
		if err := json.Unmarshal(kv.Value, &snap); err != nil {
			continue // skip malformed entries
		}
		peers[string(kv.Key[len(etcdKeyPrefix):])] = snap
	}
	return peers, nil
}

// Close releases the etcd connection. The lease is left to expire on its
// own so a clean shutdown and a crash look the same to peers.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
