package peer

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type fakePeerConn struct {
	mu      sync.Mutex
	ops     []string
	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote)
	closed  bool
}

func (f *fakePeerConn) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakePeerConn) trace() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *fakePeerConn) CreateOffer() (webrtc.SessionDescription, error) {
	f.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 local"}, nil
}

func (f *fakePeerConn) CreateAnswer() (webrtc.SessionDescription, error) {
	f.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 local"}, nil
}

func (f *fakePeerConn) SetLocalDescription(d webrtc.SessionDescription) error {
	f.record("set-local:" + d.Type.String())
	return nil
}

func (f *fakePeerConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.record("set-remote:" + d.Type.String())
	return nil
}

func (f *fakePeerConn) Rollback() error {
	f.record("rollback")
	return nil
}

func (f *fakePeerConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.record("candidate:" + c.Candidate)
	return nil
}

func (f *fakePeerConn) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (f *fakePeerConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.onState = fn
}

func (f *fakePeerConn) OnTrack(fn func(*webrtc.TrackRemote)) { f.onTrack = fn }

func (f *fakePeerConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeFactory struct {
	mu        sync.Mutex
	relayOnly []bool
	conns     []*fakePeerConn
}

func (f *fakeFactory) build(relayOnly bool) (PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePeerConn{}
	f.relayOnly = append(f.relayOnly, relayOnly)
	f.conns = append(f.conns, pc)
	return pc, nil
}

func (f *fakeFactory) latest() *fakePeerConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSignaler) record(kind string) error {
	s.mu.Lock()
	s.sent = append(s.sent, kind)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) SendOffer(webrtc.SessionDescription) error  { return s.record("offer") }
func (s *fakeSignaler) SendAnswer(webrtc.SessionDescription) error { return s.record("answer") }
func (s *fakeSignaler) SendCandidate(webrtc.ICECandidateInit) error {
	return s.record("candidate")
}

func (s *fakeSignaler) trace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakeRenderer struct {
	mu        sync.Mutex
	renderErr error
	mutedErr  error
	rendered  int
	muted     int
	prompted  int
}

func (r *fakeRenderer) Render(*webrtc.TrackRemote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered++
	return r.renderErr
}

func (r *fakeRenderer) RenderMuted(*webrtc.TrackRemote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted++
	return r.mutedErr
}

func (r *fakeRenderer) PromptUserStart(*webrtc.TrackRemote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompted++
}

// manualTimer never fires on its own; tests trigger it.
type manualTimer struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return true
}

func (t *manualTimer) fire() {
	t.mu.Lock()
	fn, stopped := t.fn, t.stopped
	t.mu.Unlock()
	if !stopped && fn != nil {
		fn()
	}
}

type machineFixture struct {
	machine  *Machine
	factory  *fakeFactory
	signaler *fakeSignaler
	renderer *fakeRenderer
	failures chan struct{}

	mu     sync.Mutex
	timers []*manualTimer
}

func newMachineFixture(t *testing.T, selfID string) *machineFixture {
	t.Helper()
	f := &machineFixture{
		factory:  &fakeFactory{},
		signaler: &fakeSignaler{},
		renderer: &fakeRenderer{},
		failures: make(chan struct{}, 1),
	}
	f.machine = NewMachine(MachineConfig{
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		SelfID:   selfID,
		RoomID:   "room-1",
		Factory:  f.factory.build,
		Signaler: f.signaler,
		Renderer: f.renderer,
		OnFailure: func() {
			select {
			case f.failures <- struct{}{}:
			default:
			}
		},
	})
	f.machine.newTimer = func(d time.Duration, fn func()) stopTimer {
		timer := &manualTimer{fn: fn}
		f.mu.Lock()
		f.timers = append(f.timers, timer)
		f.mu.Unlock()
		return timer
	}
	return f
}

func (f *machineFixture) lastTimer() *manualTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timers[len(f.timers)-1]
}

func remoteDesc(kind webrtc.SDPType) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: kind, SDP: "v=0 remote"}
}

func TestMachineStart_SendsOffer(t *testing.T) {
	f := newMachineFixture(t, "a")
	if err := f.machine.Start(); err != nil {
		t.Fatal(err)
	}

	if got := f.signaler.trace(); len(got) != 1 || got[0] != "offer" {
		t.Fatalf("signaler sent %v, want [offer]", got)
	}
	if got := f.factory.relayOnly; len(got) != 1 || got[0] {
		t.Fatalf("factory calls %v, want one direct build", got)
	}
	if got := f.machine.State(); got != ConnNegotiating {
		t.Fatalf("state = %v, want negotiating", got)
	}
}

func TestGlare_SmallerIDRollsBackAndAnswers(t *testing.T) {
	f := newMachineFixture(t, "a")
	if err := f.machine.Start(); err != nil {
		t.Fatal(err)
	}

	if err := f.machine.HandleOffer("b", remoteDesc(webrtc.SDPTypeOffer)); err != nil {
		t.Fatal(err)
	}

	want := []string{"create-offer", "set-local:offer", "rollback", "set-remote:offer", "create-answer", "set-local:answer"}
	if got := f.factory.latest().trace(); !equalStrings(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	if got := f.signaler.trace(); !equalStrings(got, []string{"offer", "answer"}) {
		t.Fatalf("signaler sent %v", got)
	}
}

func TestGlare_LargerIDIgnoresCollidingOffer(t *testing.T) {
	f := newMachineFixture(t, "b")
	if err := f.machine.Start(); err != nil {
		t.Fatal(err)
	}

	if err := f.machine.HandleOffer("a", remoteDesc(webrtc.SDPTypeOffer)); err != nil {
		t.Fatal(err)
	}
	if got := f.signaler.trace(); !equalStrings(got, []string{"offer"}) {
		t.Fatalf("signaler sent %v, want only the original offer", got)
	}

	// The partner rolled back and answers our offer instead.
	if err := f.machine.HandleAnswer(remoteDesc(webrtc.SDPTypeAnswer)); err != nil {
		t.Fatal(err)
	}
	want := []string{"create-offer", "set-local:offer", "set-remote:answer"}
	if got := f.factory.latest().trace(); !equalStrings(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
}

func TestStaleAnswerIgnored(t *testing.T) {
	f := newMachineFixture(t, "b")
	if err := f.machine.Start(); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.HandleAnswer(remoteDesc(webrtc.SDPTypeAnswer)); err != nil {
		t.Fatal(err)
	}

	before := len(f.factory.latest().trace())
	if err := f.machine.HandleAnswer(remoteDesc(webrtc.SDPTypeAnswer)); err != nil {
		t.Fatal(err)
	}
	if got := len(f.factory.latest().trace()); got != before {
		t.Fatalf("duplicate answer touched the peer connection: %v", f.factory.latest().trace())
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	f := newMachineFixture(t, "b")
	if err := f.machine.Start(); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		c := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("cand-%d", i)}
		if err := f.machine.HandleCandidate(c); err != nil {
			t.Fatal(err)
		}
	}
	pc := f.factory.latest()
	for _, op := range pc.trace() {
		if op == "candidate:cand-1" {
			t.Fatal("candidate applied before remote description")
		}
	}

	if err := f.machine.HandleAnswer(remoteDesc(webrtc.SDPTypeAnswer)); err != nil {
		t.Fatal(err)
	}
	want := []string{"create-offer", "set-local:offer", "set-remote:answer", "candidate:cand-1", "candidate:cand-2", "candidate:cand-3"}
	if got := pc.trace(); !equalStrings(got, want) {
		t.Fatalf("ops = %v, want %v (buffered candidates drained in order)", got, want)
	}

	// Later candidates apply immediately.
	if err := f.machine.HandleCandidate(webrtc.ICECandidateInit{Candidate: "cand-4"}); err != nil {
		t.Fatal(err)
	}
	ops := pc.trace()
	if ops[len(ops)-1] != "candidate:cand-4" {
		t.Fatalf("ops = %v, want trailing cand-4", ops)
	}
}

func TestFallback_RebuildsRelayOnlyThenFails(t *testing.T) {
	f := newMachineFixture(t, "a")
	if err := f.machine.Start(); err != nil {
		t.Fatal(err)
	}
	first := f.factory.latest()

	f.lastTimer().fire()

	if got := f.factory.relayOnly; !equalBools(got, []bool{false, true}) {
		t.Fatalf("factory relayOnly = %v, want [false true]", got)
	}
	if !first.closed {
		t.Fatal("original peer connection not closed on fallback")
	}
	if got := f.signaler.trace(); !equalStrings(got, []string{"offer", "offer"}) {
		t.Fatalf("signaler sent %v, want a fresh offer after fallback", got)
	}
	if got := f.machine.State(); got != ConnNegotiating {
		t.Fatalf("state = %v, want negotiating", got)
	}

	// Relay-only also failing is terminal.
	f.lastTimer().fire()
	select {
	case <-f.failures:
	case <-time.After(time.Second):
		t.Fatal("OnFailure not invoked")
	}
	if got := f.machine.State(); got != ConnFailed {
		t.Fatalf("state = %v, want failed", got)
	}
}

func TestFallback_NotFiredOnceConnected(t *testing.T) {
	f := newMachineFixture(t, "a")
	if err := f.machine.Start(); err != nil {
		t.Fatal(err)
	}
	f.factory.latest().onState(webrtc.PeerConnectionStateConnected)

	f.lastTimer().fire()
	if got := f.factory.relayOnly; len(got) != 1 {
		t.Fatalf("factory calls = %v, want no rebuild after connected", got)
	}
	if got := f.machine.State(); got != ConnConnected {
		t.Fatalf("state = %v, want connected", got)
	}
}

func TestICEFailureTriggersFallback(t *testing.T) {
	f := newMachineFixture(t, "a")
	if err := f.machine.Start(); err != nil {
		t.Fatal(err)
	}

	f.factory.latest().onState(webrtc.PeerConnectionStateFailed)
	if got := f.factory.relayOnly; !equalBools(got, []bool{false, true}) {
		t.Fatalf("factory relayOnly = %v, want relay rebuild on ice failure", got)
	}
}

func TestTrackHeldUntilConnected(t *testing.T) {
	f := newMachineFixture(t, "a")
	if err := f.machine.Start(); err != nil {
		t.Fatal(err)
	}
	pc := f.factory.latest()

	pc.onTrack(nil)
	if f.renderer.rendered != 0 {
		t.Fatal("track rendered before connected")
	}

	pc.onState(webrtc.PeerConnectionStateConnected)
	if f.renderer.rendered != 1 {
		t.Fatalf("rendered = %d, want 1 after connected", f.renderer.rendered)
	}

	// Tracks arriving after connected attach immediately.
	pc.onTrack(nil)
	if f.renderer.rendered != 2 {
		t.Fatalf("rendered = %d, want 2", f.renderer.rendered)
	}
}

func TestPlaybackLadder(t *testing.T) {
	t.Run("muted retry", func(t *testing.T) {
		r := &fakeRenderer{renderErr: ErrAutoplayBlocked}
		attachTrack(r, nil)
		if r.muted != 1 || r.prompted != 0 {
			t.Fatalf("muted=%d prompted=%d, want muted retry only", r.muted, r.prompted)
		}
	})

	t.Run("tap to play", func(t *testing.T) {
		r := &fakeRenderer{renderErr: ErrAutoplayBlocked, mutedErr: ErrAutoplayBlocked}
		attachTrack(r, nil)
		if r.prompted != 1 {
			t.Fatalf("prompted=%d, want user gesture prompt", r.prompted)
		}
	})
}

func TestCloseIsIdempotentAndStopsEverything(t *testing.T) {
	f := newMachineFixture(t, "a")
	if err := f.machine.Start(); err != nil {
		t.Fatal(err)
	}
	pc := f.factory.latest()

	if err := f.machine.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.Close(); err != nil {
		t.Fatal(err)
	}
	if !pc.closed {
		t.Fatal("peer connection not closed")
	}

	f.lastTimer().fire()
	if got := len(f.factory.relayOnly); got != 1 {
		t.Fatal("fallback ran after close")
	}
	if err := f.machine.HandleOffer("b", remoteDesc(webrtc.SDPTypeOffer)); err != nil {
		t.Fatal(err)
	}
	if got := f.signaler.trace(); !equalStrings(got, []string{"offer"}) {
		t.Fatalf("signaler sent %v after close", got)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalBools(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
