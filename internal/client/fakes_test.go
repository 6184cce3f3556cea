package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/app/orch"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/dkeye/Mesh/internal/protocol"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// fakeTrack is a capture-free local track.
type fakeTrack struct {
	id      string
	source  domain.SourceKind
	enabled atomic.Bool
	stopped atomic.Bool
	once    sync.Once
	ended   chan struct{}
}

func newFakeTrack(src domain.SourceKind) *fakeTrack {
	t := &fakeTrack{id: uuid.NewString(), source: src, ended: make(chan struct{})}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind    { return t.source.Kind() }
func (t *fakeTrack) Source() domain.SourceKind { return t.source }
func (t *fakeTrack) Enabled() bool             { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(v bool)         { t.enabled.Store(v) }
func (t *fakeTrack) Stopped() bool             { return t.stopped.Load() }
func (t *fakeTrack) Ended() <-chan struct{}    { return t.ended }
func (t *fakeTrack) RTP() webrtc.TrackLocal    { return nil }
func (t *fakeTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.ended)
	})
}

type fakeDevices struct {
	mu     sync.Mutex
	deny   map[domain.SourceKind]error
	opened []*fakeTrack
}

func (d *fakeDevices) Open(_ context.Context, src domain.SourceKind) (core.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.deny[src]; err != nil {
		return nil, err
	}
	t := newFakeTrack(src)
	d.opened = append(d.opened, t)
	return t, nil
}

func (d *fakeDevices) tracks() []*fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTrack(nil), d.opened...)
}

func (d *fakeDevices) last(src domain.SourceKind) *fakeTrack {
	ts := d.tracks()
	for i := len(ts) - 1; i >= 0; i-- {
		if ts[i].source == src {
			return ts[i]
		}
	}
	return nil
}

// fakePC negotiates instantly: applying a remote description reports the connection as up,
// unless the factory is set to stall.
type fakePC struct {
	remote   domain.Identity
	stall    bool
	failSwap error
	gate     *swapGate

	mu         sync.Mutex
	remoteSet  bool
	offers     int
	candidates []protocol.ICECandidate
	tracks     map[domain.TrackKind]core.LocalTrack
	replaced   int
	closed     bool
	onState    func(domain.ConnectionState)
	onICE      func(protocol.ICECandidate)
	onTrack    func(core.RemoteTrack)
}

func (pc *fakePC) CreateOffer(ctx context.Context) (protocol.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.offers++
	return protocol.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%d", pc.offers)}, nil
}

func (pc *fakePC) connected() {
	pc.mu.Lock()
	fn, stall := pc.onState, pc.stall
	pc.mu.Unlock()
	if fn != nil && !stall {
		fn(domain.StateConnected)
	}
}

func (pc *fakePC) AcceptOffer(ctx context.Context, offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	pc.mu.Lock()
	pc.remoteSet = true
	pc.mu.Unlock()
	pc.connected()
	return protocol.SessionDescription{Type: "answer", SDP: "answer-to-" + offer.SDP}, nil
}

func (pc *fakePC) AcceptAnswer(ctx context.Context, answer protocol.SessionDescription) error {
	pc.mu.Lock()
	pc.remoteSet = true
	pc.mu.Unlock()
	pc.connected()
	return nil
}

func (pc *fakePC) AddICECandidate(c protocol.ICECandidate) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.remoteSet {
		return errors.New("remote description not set")
	}
	pc.candidates = append(pc.candidates, c)
	return nil
}

func (pc *fakePC) AttachTrack(t core.LocalTrack) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.tracks[t.Kind()] = t
	return nil
}

func (pc *fakePC) ReplaceTrack(kind domain.TrackKind, t core.LocalTrack) error {
	pc.gate.pass()
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.failSwap != nil {
		return pc.failSwap
	}
	if _, ok := pc.tracks[kind]; !ok {
		return errors.New("no sender")
	}
	pc.tracks[kind] = t
	pc.replaced++
	return nil
}

func (pc *fakePC) OnICECandidate(fn func(protocol.ICECandidate)) {
	pc.mu.Lock()
	pc.onICE = fn
	pc.mu.Unlock()
}

func (pc *fakePC) OnStateChange(fn func(domain.ConnectionState)) {
	pc.mu.Lock()
	pc.onState = fn
	pc.mu.Unlock()
}

func (pc *fakePC) OnRemoteTrack(fn func(core.RemoteTrack)) {
	pc.mu.Lock()
	pc.onTrack = fn
	pc.mu.Unlock()
}

// deliver plays the part of an inbound RTP track arriving.
func (pc *fakePC) deliver(t core.RemoteTrack) {
	pc.mu.Lock()
	fn := pc.onTrack
	pc.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (pc *fakePC) Close() error {
	pc.mu.Lock()
	pc.closed = true
	pc.mu.Unlock()
	return nil
}

func (pc *fakePC) offerCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.offers
}

func (pc *fakePC) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *fakePC) track(kind domain.TrackKind) core.LocalTrack {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.tracks[kind]
}

func (pc *fakePC) appliedCandidates() []protocol.ICECandidate {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]protocol.ICECandidate(nil), pc.candidates...)
}

// swapGate holds ReplaceTrack calls until released.
type swapGate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newSwapGate() *swapGate {
	return &swapGate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *swapGate) open() { g.once.Do(func() { close(g.release) }) }

func (g *swapGate) pass() {
	if g == nil {
		return
	}
	g.entered <- struct{}{}
	<-g.release
}

type fakeRemoteTrack struct {
	id     string
	kind   domain.TrackKind
	levels core.LevelSource
}

func (t fakeRemoteTrack) ID() string                { return t.id }
func (t fakeRemoteTrack) Kind() domain.TrackKind    { return t.kind }
func (t fakeRemoteTrack) Levels() core.LevelSource { return t.levels }

type fakeFactory struct {
	stall    bool
	failSwap map[domain.Identity]error
	gates    map[domain.Identity]*swapGate

	mu  sync.Mutex
	pcs map[domain.Identity][]*fakePC
}

func (f *fakeFactory) NewPeerConnection(remote domain.Identity) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pcs == nil {
		f.pcs = make(map[domain.Identity][]*fakePC)
	}
	pc := &fakePC{
		remote:   remote,
		stall:    f.stall,
		failSwap: f.failSwap[remote],
		gate:     f.gates[remote],
		tracks:   make(map[domain.TrackKind]core.LocalTrack),
	}
	f.pcs[remote] = append(f.pcs[remote], pc)
	return pc, nil
}

func (f *fakeFactory) all() []*fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakePC
	for _, list := range f.pcs {
		out = append(out, list...)
	}
	return out
}

func (f *fakeFactory) count(remote domain.Identity) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs[remote])
}

func (f *fakeFactory) latest(remote domain.Identity) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.pcs[remote]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// memPipe joins a client session to a real orchestrator without a socket.
type memPipe struct {
	toServer chan core.Frame
	inbound  chan protocol.Envelope

	mu       sync.Mutex
	closed   bool
	sendOnce sync.Once
}

func (m *memPipe) Send(env protocol.Envelope) error {
	b, err := env.Frame()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrConnClosed
	}
	select {
	case m.toServer <- b:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (m *memPipe) Inbound() <-chan protocol.Envelope { return m.inbound }

func (m *memPipe) Close() error {
	m.closeInbound()
	m.sendOnce.Do(func() { close(m.toServer) })
	return nil
}

func (m *memPipe) closeInbound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.inbound)
	}
}

// serverSide is the orchestrator's view of the pipe.
type serverSide struct{ m *memPipe }

func (s serverSide) TrySend(f core.Frame) error {
	env, err := protocol.Decode(f)
	if err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.closed {
		return core.ErrConnClosed
	}
	select {
	case s.m.inbound <- env:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (s serverSide) Close() { s.m.closeInbound() }

type server struct {
	reg  *app.Registry
	orch *orch.Orchestrator
}

func newServer(t *testing.T, opts ...app.Options) *server {
	t.Helper()
	var o app.Options
	if len(opts) > 0 {
		o = opts[0]
	}
	reg := app.NewRegistry(context.Background(), o)
	t.Cleanup(reg.Close)
	return &server{
		reg:  reg,
		orch: &orch.Orchestrator{Registry: reg, Policy: app.SimplePolicy{}, Limiter: app.NewRoomRateLimiter(0, 0)},
	}
}

func (s *server) connect() *memPipe {
	m := &memPipe{toServer: make(chan core.Frame, 256), inbound: make(chan protocol.Envelope, 256)}
	oc := orch.NewConn(uuid.NewString(), serverSide{m}, "")
	go func() {
		ctx := context.Background()
		for f := range m.toServer {
			s.orch.Dispatch(ctx, oc, f)
		}
		s.orch.Disconnect(oc)
	}()
	return m
}

type participant struct {
	*Session
	factory *fakeFactory
	devices *fakeDevices
}

func newParticipant(t *testing.T, id domain.Identity, sig core.SignalChannel, tweaks ...func(*Options)) *participant {
	t.Helper()
	p := &participant{factory: &fakeFactory{}, devices: &fakeDevices{}}
	o := Options{
		Identity:        id,
		Signal:          sig,
		Factory:         p.factory,
		Devices:         p.devices,
		MaxRetries:      1,
		SpeakerInterval: 10 * time.Millisecond,
	}
	for _, tweak := range tweaks {
		tweak(&o)
	}
	if f, ok := o.Factory.(*fakeFactory); ok {
		p.factory = f
	}
	if d, ok := o.Devices.(*fakeDevices); ok {
		p.devices = d
	}
	s, err := NewSession(o)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	p.Session = s
	return p
}

func (s *server) join(t *testing.T, id domain.Identity, room domain.RoomID, tweaks ...func(*Options)) (*participant, JoinInfo) {
	t.Helper()
	p := newParticipant(t, id, s.connect(), tweaks...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := p.Join(ctx, room)
	if err != nil {
		t.Fatalf("%s join: %v", id, err)
	}
	return p, info
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitEvent drains s's events until one of kind about remote arrives.
func waitEvent(t *testing.T, s *Session, kind EventKind, remote domain.Identity) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("events closed before %s", kind)
			}
			if ev.Kind == kind && (remote == "" || ev.Identity == remote) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s from %q", kind, remote)
		}
	}
}

func allConnected(s *Session, n int) bool {
	states := s.PeerStates()
	if len(states) != n {
		return false
	}
	for _, st := range states {
		if st != domain.StateConnected {
			return false
		}
	}
	return true
}

// scripted is a signaling channel driven by the test.
type scripted struct {
	mu      sync.Mutex
	sent    []protocol.Envelope
	inbound chan protocol.Envelope
	once    sync.Once
}

func newScripted() *scripted {
	return &scripted{inbound: make(chan protocol.Envelope, 64)}
}

func (s *scripted) Send(env protocol.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	s.mu.Unlock()
	return nil
}

func (s *scripted) Inbound() <-chan protocol.Envelope { return s.inbound }

func (s *scripted) Close() error {
	s.once.Do(func() { close(s.inbound) })
	return nil
}

func (s *scripted) push(t *testing.T, et protocol.EventType, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(et, payload)
	if err != nil {
		t.Fatal(err)
	}
	s.inbound <- env
}

func (s *scripted) ofType(et protocol.EventType) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range s.sent {
		if env.Type == et {
			out = append(out, env)
		}
	}
	return out
}

// joinScripted completes a join as the server would, answering with snapshot.
func joinScripted(t *testing.T, p *participant, sig *scripted, snapshot protocol.RoomJoined) JoinInfo {
	t.Helper()
	done := make(chan struct{})
	var (
		info JoinInfo
		err  error
	)
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		info, err = p.Join(ctx, snapshot.RoomID)
	}()
	eventually(t, "join-room sent", func() bool { return len(sig.ofType(protocol.EventJoinRoom)) == 1 })
	sig.push(t, protocol.EventRoomJoined, snapshot)
	<-done
	if err != nil {
		t.Fatal(err)
	}
	return info
}
