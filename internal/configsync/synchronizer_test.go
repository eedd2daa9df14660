package configsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/tabbridge/internal/correlator"
	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/logger"
	"github.com/turtacn/tabbridge/pkg/protocol"
)

const testTimeout = 30 * time.Millisecond

// fakePeer answers calls synchronously through the correlator.
type fakePeer struct {
	corr      *correlator.Correlator
	connected bool
	reply     func(env *protocol.Envelope) *protocol.Envelope

	mu   sync.Mutex
	sent []*protocol.Envelope
}

func (p *fakePeer) WaitConnected(ctx context.Context) error {
	if p.connected {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePeer) Send(_ context.Context, env *protocol.Envelope) error {
	p.mu.Lock()
	p.sent = append(p.sent, env)
	p.mu.Unlock()
	if p.reply != nil {
		if r := p.reply(env); r != nil {
			p.corr.Resolve(r.RequestID, correlator.KindOf(r.Type), r)
		}
	}
	return nil
}

func (p *fakePeer) types() []protocol.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Kind
	for _, e := range p.sent {
		out = append(out, e.Type)
	}
	return out
}

func (p *fakePeer) last() *protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[len(p.sent)-1]
}

type fakeRestarter struct {
	err   error
	ports []int
}

func (r *fakeRestarter) Restart(_ context.Context, port int) error {
	r.ports = append(r.ports, port)
	return r.err
}

type fakeFrontDoor struct {
	fakeRestarter
	startErr error
	started  []int
}

func (f *fakeFrontDoor) Start(port int) error {
	f.started = append(f.started, port)
	return f.startErr
}

func setup(t *testing.T, connected bool) (*Synchronizer, *fakePeer, *Store) {
	t.Helper()
	corr := correlator.New(logger.Discard())
	peer := &fakePeer{corr: corr, connected: connected}
	store := NewStore(filepath.Join(t.TempDir(), "tabbridge"))
	s := New(corr, peer, store, Options{CallTimeout: testTimeout, Logger: logger.Discard()})
	return s, peer, store
}

func configReply(ok bool, cfg *protocol.Config, msg string) func(*protocol.Envelope) *protocol.Envelope {
	return func(env *protocol.Envelope) *protocol.Envelope {
		if env.Type != protocol.KindGetConfig && env.Type != protocol.KindSetConfig {
			return nil
		}
		success := ok
		r := &protocol.Envelope{Type: protocol.KindConfigResponse, RequestID: env.RequestID, Success: &success, Error: msg}
		if cfg != nil {
			r.Config = cfg.Patch()
		}
		return r
	}
}

func writeFile(t *testing.T, s *Store, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o700))
	require.NoError(t, os.WriteFile(s.Path(), []byte(content), 0o600))
}

func TestBootstrap_UnreachablePeerFallsBackToStore(t *testing.T) {
	s, _, store := setup(t, false)
	writeFile(t, store, "{\n  // set by hand\n  \"apiToken\": \"tok\",\n}\n")

	cfg := s.Bootstrap(context.Background())
	assert.Equal(t, protocol.Config{Version: 1, Port: 8090, APIToken: "tok"}, cfg)
	assert.Equal(t, cfg, s.Current())
}

func TestBootstrap_NoStoreUsesDefaults(t *testing.T) {
	s, peer, _ := setup(t, true)
	peer.reply = configReply(false, nil, "not supported")

	assert.Equal(t, protocol.DefaultConfig(), s.Bootstrap(context.Background()))
}

func TestBootstrap_PeerTimeoutFallsBack(t *testing.T) {
	s, peer, store := setup(t, true)
	writeFile(t, store, `{"port": 9100}`)

	cfg := s.Bootstrap(context.Background())
	assert.Equal(t, protocol.Config{Version: 1, Port: 9100, APIToken: ""}, cfg)
	assert.Equal(t, []protocol.Kind{protocol.KindGetConfig}, peer.types())
}

func TestBootstrap_InvalidStoredPortIsReplaced(t *testing.T) {
	s, _, store := setup(t, false)
	writeFile(t, store, `{"port": 80, "apiToken": "x"}`)

	cfg := s.Bootstrap(context.Background())
	assert.Equal(t, protocol.Config{Version: 1, Port: 8090, APIToken: "x"}, cfg)
}

func TestBootstrap_PeerConfigIsMergedAndPersisted(t *testing.T) {
	s, peer, store := setup(t, true)
	peerCfg := protocol.Config{Version: 1, Port: 9191, APIToken: "abc"}
	peer.reply = configReply(true, &peerCfg, "")

	cfg := s.Bootstrap(context.Background())
	assert.Equal(t, peerCfg, cfg)

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, peerCfg, protocol.Config{}.Merge(stored))

	fi, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	di, err := os.Stat(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), di.Mode().Perm())
}

func TestMigrate_Acknowledged(t *testing.T) {
	s, peer, _ := setup(t, true)
	peer.reply = configReply(true, nil, "")

	require.NoError(t, s.Migrate(context.Background()))
	assert.Equal(t, []protocol.Kind{protocol.KindSetConfig}, peer.types())
	assert.Equal(t, 8090, *peer.last().Config.Port)
}

func TestMigrate_FallsBackToLegacy(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		s, peer, _ := setup(t, true)
		require.NoError(t, s.Migrate(context.Background()))
		assert.Equal(t, []protocol.Kind{protocol.KindSetConfig, protocol.KindLegacyConfig}, peer.types())
	})
	t.Run("rejected", func(t *testing.T) {
		s, peer, _ := setup(t, true)
		peer.reply = configReply(false, nil, "unknown message")
		require.NoError(t, s.Migrate(context.Background()))
		assert.Equal(t, []protocol.Kind{protocol.KindSetConfig, protocol.KindLegacyConfig}, peer.types())
		legacy := peer.last()
		assert.Zero(t, legacy.RequestID)
		assert.Equal(t, "", *legacy.Config.APIToken)
	})
}

func TestHandlePeer_GetConfig(t *testing.T) {
	s, peer, _ := setup(t, true)

	require.NoError(t, s.HandlePeer(context.Background(), protocol.NewGetConfig(7)))
	resp := peer.last()
	assert.Equal(t, protocol.KindConfigResponse, resp.Type)
	assert.Equal(t, int64(7), resp.RequestID)
	assert.True(t, *resp.Success)
	assert.Equal(t, 8090, *resp.Config.Port)
}

func TestHandlePeer_SetConfigPortChange(t *testing.T) {
	s, peer, store := setup(t, true)
	r := &fakeRestarter{}
	s.SetRestarter(r)

	port := 9090
	require.NoError(t, s.HandlePeer(context.Background(), protocol.NewSetConfig(3, &protocol.ConfigPatch{Port: &port})))

	assert.Equal(t, []int{9090}, r.ports)
	assert.Equal(t, 9090, s.Current().Port)
	resp := peer.last()
	assert.True(t, *resp.Success)
	assert.Equal(t, 9090, *resp.Config.Port)

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, *stored.Port)
}

func TestHandlePeer_SetConfigTokenOnlyDoesNotRestart(t *testing.T) {
	s, _, _ := setup(t, true)
	r := &fakeRestarter{}
	s.SetRestarter(r)

	tok := "s3cret"
	_, err := s.Apply(context.Background(), &protocol.ConfigPatch{APIToken: &tok})
	require.NoError(t, err)
	assert.Empty(t, r.ports)
	assert.True(t, s.Current().AuthEnabled())
}

func TestHandlePeer_SetConfigInvalidPort(t *testing.T) {
	s, peer, store := setup(t, true)
	r := &fakeRestarter{}
	s.SetRestarter(r)

	port := 80
	require.NoError(t, s.HandlePeer(context.Background(), protocol.NewSetConfig(4, &protocol.ConfigPatch{Port: &port})))

	resp := peer.last()
	assert.False(t, *resp.Success)
	assert.Equal(t, "port must be a number between 1024 and 65535, got 80", resp.Error)
	assert.Empty(t, r.ports)
	assert.Equal(t, protocol.DefaultConfig(), s.Current())
	_, err := os.Stat(store.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestApply_RestartFailureRestoresFile(t *testing.T) {
	s, _, store := setup(t, false)
	original := "{\n  // keep me\n  \"port\": 8095\n}\n"
	writeFile(t, store, original)
	s.Bootstrap(context.Background())
	before := s.Current()

	bindErr := pkgerrors.New(pkgerrors.ErrCodeBind, "gateway.Restart", "cannot listen on 127.0.0.1:9090", nil)
	s.SetRestarter(&fakeRestarter{err: bindErr})

	port := 9090
	got, err := s.Apply(context.Background(), &protocol.ConfigPatch{Port: &port})
	assert.True(t, errors.Is(err, pkgerrors.ErrBind))
	assert.Equal(t, before, got)
	assert.Equal(t, before, s.Current())

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}

func TestApply_RestartFailureRemovesNewFile(t *testing.T) {
	s, _, store := setup(t, true)
	s.SetRestarter(&fakeRestarter{err: pkgerrors.ErrBind})

	port := 9090
	_, err := s.Apply(context.Background(), &protocol.ConfigPatch{Port: &port})
	require.Error(t, err)
	_, err = os.Stat(store.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestHandlePeer_LegacyConfigHasNoResponse(t *testing.T) {
	s, peer, _ := setup(t, true)

	port := 9091
	require.NoError(t, s.HandlePeer(context.Background(), protocol.NewLegacyConfig(&protocol.ConfigPatch{Port: &port})))
	assert.Empty(t, peer.types())
	assert.Equal(t, 9091, s.Current().Port)
}

func TestAttach_BindsPortAcceptedBeforeStart(t *testing.T) {
	s, _, _ := setup(t, false)
	require.Equal(t, 8090, s.Bootstrap(context.Background()).Port)

	// arrives while the front door does not exist yet
	port := 9191
	_, err := s.Apply(context.Background(), &protocol.ConfigPatch{Port: &port})
	require.NoError(t, err)

	fd := &fakeFrontDoor{}
	require.NoError(t, s.Attach(fd))
	assert.Equal(t, []int{9191}, fd.started)

	// same port again is not a move
	_, err = s.Apply(context.Background(), &protocol.ConfigPatch{Port: &port})
	require.NoError(t, err)
	assert.Empty(t, fd.ports)

	next := 9192
	_, err = s.Apply(context.Background(), &protocol.ConfigPatch{Port: &next})
	require.NoError(t, err)
	assert.Equal(t, []int{9192}, fd.ports)
}

func TestAttach_StartFailureLeavesNoRestarter(t *testing.T) {
	s, _, _ := setup(t, false)
	s.Bootstrap(context.Background())

	fd := &fakeFrontDoor{startErr: pkgerrors.ErrBind}
	require.ErrorIs(t, s.Attach(fd), pkgerrors.ErrBind)

	port := 9193
	_, err := s.Apply(context.Background(), &protocol.ConfigPatch{Port: &port})
	require.NoError(t, err)
	assert.Empty(t, fd.ports)
}
