package postgres

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	listenerPingInterval   = 30 * time.Second
	listenerReconnectFloor = time.Second
	listenerReconnectCeil  = time.Minute
	cachePingPayload       = "ping"
	listenerAcquireTimeout = 10 * time.Second
)

// listener holds a dedicated connection on LISTEN topic_changed and drives
// cache invalidation. The cache is enabled only while the connection is
// alive; any error purges and disables it before reconnecting with bounded
// exponential backoff. A periodic self-ping on the same channel verifies
// the connection end to end.
type listener struct {
	pool   *pgxpool.Pool
	cache  *contentCache
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newListener(pool *pgxpool.Pool, cache *contentCache) *listener {
	return &listener{pool: pool, cache: cache}
}

// Start launches the listen loop and the self-ping loop.
func (l *listener) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.pingLoop(ctx)
	}()
}

// Stop cancels both loops and waits for them to finish.
func (l *listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.cache.Disable()
	l.cache.Purge()
}

func (l *listener) run(ctx context.Context) {
	backoff := listenerReconnectFloor
	for ctx.Err() == nil {
		err := l.listenOnce(ctx)
		l.cache.Disable()
		l.cache.Purge()
		if ctx.Err() != nil {
			return
		}
		log.Printf("[listener] connection lost: %v; reconnecting in %v", err, backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > listenerReconnectCeil {
			backoff = listenerReconnectCeil
		}
	}
}

// listenOnce acquires a dedicated connection, subscribes, and consumes
// notifications until the connection fails or ctx is cancelled.
func (l *listener) listenOnce(ctx context.Context) error {
	acquireCtx, cancel := context.WithTimeout(ctx, listenerAcquireTimeout)
	poolConn, err := l.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return err
	}
	defer poolConn.Release()

	conn := poolConn.Conn()
	if _, err := conn.Exec(ctx, "LISTEN "+NotificationChannel); err != nil {
		return err
	}

	l.cache.Enable()
	log.Printf("[listener] listening on %s; content cache enabled", NotificationChannel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if notification.Payload == cachePingPayload {
			continue
		}
		l.cache.Evict(notification.Payload)
	}
}

// pingLoop emits a keep-alive notification so a dead listener connection
// is detected even on idle hubs.
func (l *listener) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.pool.Exec(ctx, `SELECT pg_notify($1, $2)`,
				NotificationChannel, cachePingPayload); err != nil && ctx.Err() == nil {
				log.Printf("[listener] self-ping failed: %v", err)
			}
		}
	}
}
