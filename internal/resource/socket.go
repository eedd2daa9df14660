package resource

import (
	"net"
	"sort"
	"strings"
	"sync"

	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/logger"
)

// SocketManager owns the TCP listeners of the process. A listener can be
// looked up by the address it was requested with or by its bound address,
// so ":8090" and "[::]:8090" resolve to the same socket.
type SocketManager struct {
	mu sync.Mutex

	// Active listeners keyed by bound address
	listeners map[string]net.Listener
	// Requested address -> bound address
	aliases map[string]string

	log logger.Logger
}

func NewSocketManager(log logger.Logger) *SocketManager {
	if log == nil {
		log = logger.Log
	}
	return &SocketManager{
		listeners: make(map[string]net.Listener),
		aliases:   make(map[string]string),
		log:       log.With("component", "sockets"),
	}
}

// EnsureListener returns the listener for addr, binding it if needed. A
// request for port 0 always binds a fresh ephemeral port.
func (sm *SocketManager) EnsureListener(addr string) (net.Listener, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ephemeral := strings.HasSuffix(addr, ":0")
	if !ephemeral {
		if l, ok := sm.lookup(addr); ok {
			return l, nil
		}
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.ErrCodeBind, "resource.EnsureListener", "cannot listen on "+addr, err)
	}
	bound := l.Addr().String()
	sm.listeners[bound] = l
	if !ephemeral && addr != bound {
		sm.aliases[addr] = bound
	}
	sm.log.Info("Bound listener", "requested", addr, "addr", bound)
	return l, nil
}

func (sm *SocketManager) lookup(addr string) (net.Listener, bool) {
	if l, ok := sm.listeners[addr]; ok {
		return l, true
	}
	if bound, ok := sm.aliases[addr]; ok {
		l, ok := sm.listeners[bound]
		return l, ok
	}
	return nil, false
}

// Release closes the listener known by addr and forgets it. Releasing an
// unknown address is a no-op.
func (sm *SocketManager) Release(addr string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	l, ok := sm.lookup(addr)
	if !ok {
		return
	}
	bound := l.Addr().String()
	_ = l.Close()
	delete(sm.listeners, bound)
	for k, v := range sm.aliases {
		if v == bound {
			delete(sm.aliases, k)
		}
	}
	sm.log.Info("Released listener", "addr", bound)
}

// Addrs returns the bound addresses of all active listeners, sorted.
func (sm *SocketManager) Addrs() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	addrs := make([]string, 0, len(sm.listeners))
	for addr := range sm.listeners {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func (sm *SocketManager) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, l := range sm.listeners {
		l.Close()
	}
	sm.listeners = make(map[string]net.Listener)
	sm.aliases = make(map[string]string)
}

// Personal.AI order the ending
