package resource

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	perrors "github.com/turtacn/Proctor/pkg/errors"
	"github.com/turtacn/Proctor/pkg/logger"
)

// SocketManager owns the TCP listeners of a server process. Listeners are
// keyed by the address they were requested with and by their canonical
// address, so asking twice never binds twice.
type SocketManager struct {
	mu sync.Mutex

	// Active listeners keyed by address
	listeners map[string]net.Listener
}

func NewSocketManager() *SocketManager {
	return &SocketManager{
		listeners: make(map[string]net.Listener),
	}
}

// EnsureListener returns the listener for addr, binding it on first use.
func (sm *SocketManager) EnsureListener(addr string) (net.Listener, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if l, ok := sm.listeners[addr]; ok {
		return l, nil
	}
	if l := sm.canonicalLocked(addr); l != nil {
		sm.listeners[addr] = l
		return l, nil
	}

	logger.Log.Info("Binding listener", "addr", addr)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeBindFailed, "EnsureListener", addr, err)
	}
	sm.remember(addr, l)
	return l, nil
}

// Bind listens on host:port, moving to the next port while the current one
// is in use, for at most attempts ports.
func (sm *SocketManager) Bind(host string, port, attempts int) (net.Listener, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		l, err := sm.EnsureListener(addr)
		if err == nil {
			if i > 0 {
				logger.Log.Warn("Port in use, bound next free port", "requested", port, "port", port+i)
			}
			return l, nil
		}
		if !errors.Is(err, unix.EADDRINUSE) {
			return nil, err
		}
		lastErr = err
	}
	return nil, perrors.New(perrors.ErrCodeBindFailed, "Bind",
		fmt.Sprintf("ports %d-%d on %s are in use", port, port+attempts-1, host), lastErr)
}

// canonicalLocked finds a listener whose bound address matches addr after
// resolution, e.g. ":9876" against "[::]:9876".
func (sm *SocketManager) canonicalLocked(addr string) net.Listener {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "0" {
		return nil
	}
	for _, l := range sm.listeners {
		lh, lp, err := net.SplitHostPort(l.Addr().String())
		if err != nil || lp != port {
			continue
		}
		if lh == host || (host == "" && net.ParseIP(lh).IsUnspecified()) {
			return l
		}
	}
	return nil
}

func (sm *SocketManager) remember(addr string, l net.Listener) {
	sm.listeners[addr] = l
	sm.listeners[l.Addr().String()] = l
}

// Addrs returns the bound addresses, sorted.
func (sm *SocketManager) Addrs() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	seen := make(map[net.Listener]bool, len(sm.listeners))
	addrs := make([]string, 0, len(sm.listeners))
	for _, l := range sm.listeners {
		if seen[l] {
			continue
		}
		seen[l] = true
		addrs = append(addrs, l.Addr().String())
	}
	sort.Strings(addrs)
	return addrs
}

func (sm *SocketManager) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	closed := make(map[net.Listener]bool, len(sm.listeners))
	for _, l := range sm.listeners {
		if closed[l] {
			continue
		}
		closed[l] = true
		l.Close()
	}
	sm.listeners = make(map[string]net.Listener)
}

// Personal.AI order the ending
