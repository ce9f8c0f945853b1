package xetcd

import (
	"context"
	"errors"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrLeaseHeld is returned when another live process already holds the lease
// for the requested logical id.
var ErrLeaseHeld = errors.New("lease already held")

// AcquireLease takes the exclusive advisory lock for a logical engine id.
//
// The key is created only if absent, bound to an etcd lease that is kept
// alive for the life of the process. If another process holds the key the
// call fails immediately, there is no retry: the caller must exit rather
// than run un-leased. The returned release func revokes the lease, which
// also removes the key.
func AcquireLease(id string, ttlSec int64) (release func(), err error) {
	defer func() {
		if err != nil {
			logger.Errorf("AcquireLease id:%s failed with err:%s", id, err)
		} else {
			logger.Infof("AcquireLease id:%s done", id)
		}
	}()

	cli := SharedCli()
	key := KeyEngineLease(id)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	grant, err := cli.Grant(ctx, ttlSec)
	if err != nil {
		return
	}

	txn, err := cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, id, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		return
	}
	if !txn.Succeeded {
		_, _ = cli.Revoke(context.Background(), grant.ID)
		err = ErrLeaseHeld
		return
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	ka, err := cli.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		kaCancel()
		_, _ = cli.Revoke(context.Background(), grant.ID)
		return
	}

	go func() {
		for range ka {
			// drain keepalive acks until the channel closes
		}
		logger.Warningf("lease keepalive for %s stopped", id)
	}()

	release = func() {
		kaCancel()
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rcancel()
		_, rerr := cli.Revoke(rctx, grant.ID)
		if rerr != nil {
			logger.Errorf("release lease id:%s failed with err:%s", id, rerr)
		} else {
			logger.Infof("released lease id:%s", id)
		}
	}

	return
}
