package resource

import (
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/logger"
)

func TestSocketManager_MultipleListeners(t *testing.T) {
	sm := NewSocketManager(logger.Discard())
	defer sm.Close()

	l1, err := sm.EnsureListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create first listener: %v", err)
	}
	addr1 := l1.Addr().String()

	l2, err := sm.EnsureListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create second listener: %v", err)
	}
	addr2 := l2.Addr().String()

	if addr1 == addr2 {
		t.Errorf("Expected different addresses, got both as %s.", addr1)
	}

	// Bound addresses return the same instance
	l1Again, err := sm.EnsureListener(addr1)
	if err != nil {
		t.Fatalf("Failed to get first listener again: %v", err)
	}
	if l1Again != l1 {
		t.Errorf("Expected same listener instance for %s", addr1)
	}

	l2Again, err := sm.EnsureListener(addr2)
	if err != nil {
		t.Fatalf("Failed to get second listener again: %v", err)
	}
	if l2Again != l2 {
		t.Errorf("Expected same listener instance for %s", addr2)
	}
}

func TestSocketManager_AddressNormalization(t *testing.T) {
	sm := NewSocketManager(logger.Discard())
	defer sm.Close()

	probe, err := sm.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	sm.Release(probe.Addr().String())

	requested := net.JoinHostPort("localhost", strconv.Itoa(port))
	l1, err := sm.EnsureListener(requested)
	if err != nil {
		t.Skipf("cannot bind %s: %v", requested, err)
	}
	canonical := l1.Addr().String()
	if canonical == requested {
		t.Skip("Requested address is already canonical on this system")
	}

	l2, err := sm.EnsureListener(requested)
	require.NoError(t, err)
	assert.Same(t, l1, l2)

	l3, err := sm.EnsureListener(canonical)
	require.NoError(t, err)
	assert.Same(t, l1, l3)
}

func TestSocketManager_ReleaseFreesPort(t *testing.T) {
	sm := NewSocketManager(logger.Discard())
	defer sm.Close()

	l, err := sm.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()

	sm.Release(addr)
	sm.Release(addr)
	assert.Empty(t, sm.Addrs())

	_, err = net.Dial("tcp", addr)
	assert.Error(t, err, "released port must refuse connections")

	again, err := sm.EnsureListener(addr)
	require.NoError(t, err)
	assert.Equal(t, addr, again.Addr().String())
}

func TestSocketManager_BindConflict(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer held.Close()

	sm := NewSocketManager(logger.Discard())
	defer sm.Close()

	_, err = sm.EnsureListener(held.Addr().String())
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrBind))
}

func TestSocketManager_AddrsSorted(t *testing.T) {
	sm := NewSocketManager(logger.Discard())
	defer sm.Close()

	for i := 0; i < 5; i++ {
		_, err := sm.EnsureListener("127.0.0.1:0")
		require.NoError(t, err)
	}

	first := sm.Addrs()
	require.Len(t, first, 5)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, sm.Addrs(), "Addrs() order should be deterministic")
	}
	assert.IsNonDecreasing(t, first)
}
