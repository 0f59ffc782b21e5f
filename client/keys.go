package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	relaycrypto "github.com/relayfab/relayfab/crypto"
)

// ErrNoPublicKey indicates the recipient's public key could not be
// obtained: the server does not know the identity, the lookup timed out,
// or the connection went away while waiting. Surfaced to senders as
// "cannot reach recipient".
var ErrNoPublicKey = errors.New("no public key for recipient")

// keyWait is one outstanding lookup. It resolves exactly once, with a key
// or an error; concurrent lookups for the same identity share it. waiters
// counts the callers still interested: when the last one abandons the
// wait (context cancellation) the entry is dropped so a later lookup
// re-sends the request instead of latching onto a dead wait.
type keyWait struct {
	done     chan struct{}
	key      *rsa.PublicKey
	err      error
	resolved bool
	waiters  int
}

// keyCache caches peer public keys and coalesces lookup requests.
type keyCache struct {
	timeout time.Duration
	request func(clientID string) error

	mu    sync.Mutex
	keys  map[string]*rsa.PublicKey
	waits map[string]*keyWait
}

func newKeyCache(timeout time.Duration, request func(clientID string) error) *keyCache {
	return &keyCache{
		timeout: timeout,
		request: request,
		keys:    make(map[string]*rsa.PublicKey),
		waits:   make(map[string]*keyWait),
	}
}

// cached returns the key for clientID without any network traffic.
func (kc *keyCache) cached(clientID string) (*rsa.PublicKey, bool) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	key, ok := kc.keys[clientID]
	return key, ok
}

// put stores a key directly, bypassing the lookup path.
func (kc *keyCache) put(clientID string, key *rsa.PublicKey) {
	kc.mu.Lock()
	kc.keys[clientID] = key
	kc.mu.Unlock()
}

// lookup returns the public key for clientID, asking the server and
// waiting up to the configured window if it is not cached. Concurrent
// callers for the same identity wait on one shared request.
func (kc *keyCache) lookup(ctx context.Context, clientID string) (*rsa.PublicKey, error) {
	kc.mu.Lock()
	if key, ok := kc.keys[clientID]; ok {
		kc.mu.Unlock()
		return key, nil
	}
	w, outstanding := kc.waits[clientID]
	if !outstanding {
		w = &keyWait{done: make(chan struct{})}
		kc.waits[clientID] = w
	}
	w.waiters++
	kc.mu.Unlock()

	if !outstanding {
		if err := kc.request(clientID); err != nil {
			kc.resolveErr(clientID, fmt.Errorf("%w: %v", ErrNoPublicKey, err))
		}
	}

	timer := time.NewTimer(kc.timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return w.key, w.err
	case <-timer.C:
		kc.resolveErr(clientID, fmt.Errorf("%w: lookup timed out", ErrNoPublicKey))
		<-w.done
		return w.key, w.err
	case <-ctx.Done():
		kc.abandon(clientID, w)
		return nil, ctx.Err()
	}
}

// abandon withdraws one caller's interest in a shared wait. The last
// caller out removes the unresolved wait, so the next lookup starts a
// fresh request instead of joining a wait nobody is driving.
func (kc *keyCache) abandon(clientID string, w *keyWait) {
	kc.mu.Lock()
	w.waiters--
	if w.waiters <= 0 && !w.resolved && kc.waits[clientID] == w {
		delete(kc.waits, clientID)
	}
	kc.mu.Unlock()
}

// resolve feeds a PublicKey response into whatever lookup is waiting. An
// empty PEM means the server does not know the identity; waiters fail
// fast instead of running out their window.
func (kc *keyCache) resolve(clientID, pemStr string) {
	if pemStr == "" {
		kc.resolveErr(clientID, fmt.Errorf("%w: identity unknown to server", ErrNoPublicKey))
		return
	}
	key, err := relaycrypto.DecodePublicKey(pemStr)
	if err != nil {
		kc.resolveErr(clientID, fmt.Errorf("%w: %v", ErrNoPublicKey, err))
		return
	}

	kc.mu.Lock()
	kc.keys[clientID] = key
	if w, ok := kc.waits[clientID]; ok && !w.resolved {
		w.resolved = true
		w.key = key
		close(w.done)
		delete(kc.waits, clientID)
	}
	kc.mu.Unlock()
}

func (kc *keyCache) resolveErr(clientID string, err error) {
	kc.mu.Lock()
	if w, ok := kc.waits[clientID]; ok && !w.resolved {
		w.resolved = true
		w.err = err
		close(w.done)
		delete(kc.waits, clientID)
	}
	kc.mu.Unlock()
}

// cancelAll fails every outstanding lookup, for use on disconnect.
func (kc *keyCache) cancelAll() {
	kc.mu.Lock()
	for id, w := range kc.waits {
		if !w.resolved {
			w.resolved = true
			w.err = fmt.Errorf("%w: connection closed", ErrNoPublicKey)
			close(w.done)
		}
		delete(kc.waits, id)
	}
	kc.mu.Unlock()
}
