package link

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/nugget/gdo/internal/actuator"
	"github.com/nugget/gdo/internal/clock"
	"github.com/nugget/gdo/internal/connwatch"
	"github.com/nugget/gdo/internal/dispatch"
	"github.com/nugget/gdo/internal/hal"
	"github.com/nugget/gdo/internal/messaging"
	"github.com/nugget/gdo/internal/netlink"
)

const commandTopic = "openhab/garage/relay1"

type publication struct {
	topic   string
	payload string
	retain  bool
}

// fakeSession is a scripted messaging.Session. It fails the test if
// anything is published or subscribed while it is down.
type fakeSession struct {
	t *testing.T

	script    []error
	connected bool
	connects  int
	closes    int
	subs      []string
	pubs      []publication
	queue     []messaging.Message

	// onConnect runs at the start of every Connect.
	onConnect func(attempt int)
}

func (f *fakeSession) Connect(context.Context) error {
	f.connects++
	if f.onConnect != nil {
		f.onConnect(f.connects)
	}
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeSession) Connected() bool { return f.connected }

func (f *fakeSession) Subscribe(_ context.Context, topic string) error {
	if !f.connected {
		f.t.Errorf("Subscribe(%q) while disconnected", topic)
		return messaging.ErrNotConnected
	}
	f.subs = append(f.subs, topic)
	return nil
}

func (f *fakeSession) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	if !f.connected {
		f.t.Errorf("Publish(%q) while disconnected", topic)
		return messaging.ErrNotConnected
	}
	f.pubs = append(f.pubs, publication{topic: topic, payload: string(payload), retain: retain})
	return nil
}

func (f *fakeSession) Drain(max int) []messaging.Message {
	n := len(f.queue)
	if max > 0 && max < n {
		n = max
	}
	out := f.queue[:n]
	f.queue = f.queue[n:]
	return out
}

func (f *fakeSession) Close() error {
	f.closes++
	f.connected = false
	return nil
}

type fakeIndicator struct {
	searching []time.Duration
	connected int
	onSearch  func(n int)
}

func (f *fakeIndicator) Searching(_ context.Context, d time.Duration) error {
	f.searching = append(f.searching, d)
	if f.onSearch != nil {
		f.onSearch(len(f.searching))
	}
	return nil
}

func (f *fakeIndicator) Connected(context.Context) error {
	f.connected++
	return nil
}

type harness struct {
	mgr     *Manager
	net     *netlink.Sim
	session *fakeSession
	ind     *fakeIndicator
	clock   *clock.Fake
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = commandTopic
	}
	if cfg.NetworkRetry == 0 {
		cfg.NetworkRetry = 500 * time.Millisecond
	}
	if cfg.MessagingRetry == 0 {
		cfg.MessagingRetry = 5000 * time.Millisecond
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		net:     netlink.NewSim(),
		session: &fakeSession{t: t},
		ind:     &fakeIndicator{},
		clock:   clock.NewFake(time.Date(2017, 2, 8, 0, 0, 0, 0, time.UTC)),
	}
	h.mgr = New(cfg, h.net, h.session, h.ind, h.clock, connwatch.NewManager(logger), logger)
	return h
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestEnsureNetwork_DownAtBoot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	errNoAP := errors.New("no access point")
	h.net.Script(errNoAP, errNoAP, errNoAP)

	if err := h.mgr.EnsureNetwork(context.Background()); err != nil {
		t.Fatalf("EnsureNetwork() error = %v", err)
	}

	if got := h.net.Attempts(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
	want := []time.Duration{500 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond}
	if !slices.Equal(h.ind.searching, want) {
		t.Errorf("waits = %v, want %v", h.ind.searching, want)
	}
	if h.ind.connected != 1 {
		t.Errorf("connected pattern played %d times, want 1", h.ind.connected)
	}
	if h.mgr.NetworkState() != Connected {
		t.Errorf("NetworkState() = %v", h.mgr.NetworkState())
	}
	if h.mgr.MessagingState() != Disconnected {
		t.Errorf("MessagingState() = %v, EnsureNetwork must not touch messaging", h.mgr.MessagingState())
	}
	if h.session.connects != 0 {
		t.Errorf("session connects = %d, want 0", h.session.connects)
	}
}

func TestEnsureNetwork_AlreadyUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.net.SetUp(true)

	if err := h.mgr.EnsureNetwork(context.Background()); err != nil {
		t.Fatalf("EnsureNetwork() error = %v", err)
	}
	if h.net.Attempts() != 0 || h.ind.connected != 0 {
		t.Errorf("attempts=%d connected=%d, want no side effects", h.net.Attempts(), h.ind.connected)
	}
	if h.mgr.NetworkState() != Connected {
		t.Errorf("NetworkState() = %v", h.mgr.NetworkState())
	}
}

func TestEnsureMessaging_RetriesWithFixedDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.net.SetUp(true)
	errRefused := errors.New("connection refused")
	h.session.script = []error{errRefused, errRefused, errRefused}

	if err := h.mgr.EnsureMessaging(context.Background()); err != nil {
		t.Fatalf("EnsureMessaging() error = %v", err)
	}

	want := []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}
	if got := h.clock.Sleeps(); !slices.Equal(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	if h.session.connects != 4 {
		t.Errorf("connects = %d, want 4", h.session.connects)
	}
	if !slices.Equal(h.session.subs, []string{commandTopic}) {
		t.Errorf("subscriptions = %v, want [%s]", h.session.subs, commandTopic)
	}
	if h.mgr.MessagingState() != Connected {
		t.Errorf("MessagingState() = %v", h.mgr.MessagingState())
	}
}

func TestEnsureMessaging_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.net.SetUp(true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.mgr.EnsureMessaging(ctx); err != nil {
			t.Fatalf("EnsureMessaging() #%d error = %v", i+1, err)
		}
	}
	if h.session.connects != 1 {
		t.Errorf("connects = %d, want 1", h.session.connects)
	}
	if len(h.session.subs) != 1 {
		t.Errorf("subscriptions = %v, want exactly one", h.session.subs)
	}
	if len(h.clock.Sleeps()) != 0 {
		t.Errorf("sleeps = %v, want none", h.clock.Sleeps())
	}
}

func TestEnsureMessaging_RequiresNetwork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	if err := h.mgr.EnsureMessaging(context.Background()); !errors.Is(err, ErrNetworkDown) {
		t.Fatalf("EnsureMessaging() error = %v, want ErrNetworkDown", err)
	}
	if h.session.connects != 0 {
		t.Errorf("connects = %d, want 0", h.session.connects)
	}
	if h.net.Attempts() != 0 {
		t.Error("EnsureMessaging must not bring up the network")
	}
}

func TestEnsure_NetworkDropsDuringMessagingRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.net.SetUp(true)
	errRefused := errors.New("connection refused")
	h.session.script = []error{errRefused}
	h.session.onConnect = func(attempt int) {
		if attempt == 1 {
			h.net.SetUp(false)
		}
	}

	if err := h.mgr.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	if h.net.Attempts() != 1 {
		t.Errorf("network attempts = %d, want 1 reconnect", h.net.Attempts())
	}
	if h.session.connects != 2 {
		t.Errorf("session connects = %d, want 2", h.session.connects)
	}
	if h.mgr.NetworkState() != Connected || h.mgr.MessagingState() != Connected {
		t.Errorf("states = %v/%v", h.mgr.NetworkState(), h.mgr.MessagingState())
	}
}

func TestEnsure_NetworkLossForcesMessagingDown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	if err := h.mgr.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	h.net.SetUp(false)
	h.net.Script(errors.New("no access point"))

	// Observe the loss without reconnecting.
	ctxCancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := h.mgr.EnsureNetwork(ctxCancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("EnsureNetwork() error = %v, want context.Canceled", err)
	}
	if h.mgr.MessagingState() != Disconnected {
		t.Errorf("MessagingState() = %v after network loss, want disconnected", h.mgr.MessagingState())
	}
	if h.session.closes == 0 {
		t.Error("session was not closed on network loss")
	}

	if err := h.mgr.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if h.session.connects != 2 || len(h.session.subs) != 2 {
		t.Errorf("connects=%d subs=%d, want re-established session", h.session.connects, len(h.session.subs))
	}
}

func TestPublish_NeverWhileDisconnected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	if sent, err := h.mgr.Publish(ctx, "openhab/garage/switch", []byte("Open")); sent || err != nil {
		t.Errorf("Publish() before connect = %v, %v; want false, nil", sent, err)
	}
	if len(h.session.pubs) != 0 {
		t.Fatalf("published while disconnected: %v", h.session.pubs)
	}

	h.mgr.Ensure(ctx)
	if sent, err := h.mgr.Publish(ctx, "openhab/garage/switch", []byte("Open")); !sent || err != nil {
		t.Fatalf("Publish() = %v, %v; want true, nil", sent, err)
	}
	if len(h.session.pubs) != 1 || h.session.pubs[0].retain {
		t.Fatalf("pubs = %v, want one unretained publish", h.session.pubs)
	}

	// Session drops behind our back.
	h.session.connected = false
	if sent, err := h.mgr.Publish(ctx, "openhab/garage/switch", []byte("Closed")); sent || err != nil {
		t.Errorf("Publish() after loss = %v, %v; want false, nil", sent, err)
	}
	if len(h.session.pubs) != 1 {
		t.Errorf("published after session loss: %v", h.session.pubs)
	}
	if h.mgr.MessagingState() != Disconnected {
		t.Errorf("MessagingState() = %v, want disconnected", h.mgr.MessagingState())
	}
}

func TestPump(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PumpBatch: 2})
	ctx := context.Background()

	var got []string
	h.mgr.SetHandler(func(_ context.Context, m messaging.Message) {
		got = append(got, string(m.Payload))
	})

	h.session.queue = []messaging.Message{{Topic: commandTopic, Payload: []byte("TOGGLE")}}
	if n := h.mgr.Pump(ctx); n != 0 || len(got) != 0 {
		t.Fatalf("Pump() while disconnected delivered %d", n)
	}

	h.mgr.Ensure(ctx)
	h.session.queue = []messaging.Message{
		{Topic: commandTopic, Payload: []byte("a")},
		{Topic: commandTopic, Payload: []byte("b")},
		{Topic: commandTopic, Payload: []byte("c")},
	}
	if n := h.mgr.Pump(ctx); n != 2 {
		t.Errorf("Pump() = %d, want 2", n)
	}
	if n := h.mgr.Pump(ctx); n != 1 {
		t.Errorf("second Pump() = %d, want 1", n)
	}
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("delivered = %v", got)
	}
}

// receive queues an inbound message stamped with the harness clock, as
// the session inbox does.
func (h *harness) receive(payload string) {
	h.session.queue = append(h.session.queue, messaging.Message{
		Topic:    commandTopic,
		Payload:  []byte(payload),
		Received: h.clock.Now(),
	})
}

func TestPump_ToggleDuringPulseDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	if err := h.mgr.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	board := hal.NewSimBoard()
	relay := actuator.NewRelay(board.Relay, nil, 500*time.Millisecond, h.clock, logger)
	d := dispatch.New(relay, logger)

	var outcomes []dispatch.Outcome
	h.mgr.SetHandler(func(ctx context.Context, m messaging.Message) {
		outcomes = append(outcomes, d.Handle(ctx, m))
	})

	// A second press arrives while the relay is held closed.
	pressed := false
	h.clock.OnSleep = func(d time.Duration) {
		if d == 500*time.Millisecond && !pressed {
			pressed = true
			h.receive("TOGGLE")
		}
	}

	h.receive("TOGGLE")
	h.mgr.Pump(ctx)
	h.mgr.Pump(ctx)

	want := []dispatch.Outcome{dispatch.OutcomeToggled, dispatch.OutcomeBusy}
	if !slices.Equal(outcomes, want) {
		t.Errorf("outcomes = %v, want %v", outcomes, want)
	}
	if got := board.Relay.Writes(); !slices.Equal(got, []bool{true, false}) {
		t.Errorf("relay writes = %v, want a single pulse", got)
	}

	// A press after the pulse has ended actuates again.
	h.clock.Advance(time.Second)
	h.receive("TOGGLE")
	h.mgr.Pump(ctx)
	if got := outcomes[len(outcomes)-1]; got != dispatch.OutcomeToggled {
		t.Errorf("later press outcome = %v, want toggled", got)
	}
	if got := len(board.Relay.Writes()); got != 4 {
		t.Errorf("relay writes = %d, want two pulses", got)
	}
}

func TestAnnounceAndClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		AvailabilityTopic: "garage/status",
		Announce: []messaging.Message{
			{Topic: "homeassistant/button/gdo/toggle/config", Payload: []byte(`{}`)},
		},
	})
	ctx := context.Background()

	if err := h.mgr.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	want := []publication{
		{topic: "garage/status", payload: "online", retain: true},
		{topic: "homeassistant/button/gdo/toggle/config", payload: "{}", retain: true},
	}
	if !slices.Equal(h.session.pubs, want) {
		t.Errorf("pubs = %v, want %v", h.session.pubs, want)
	}

	if err := h.mgr.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	last := h.session.pubs[len(h.session.pubs)-1]
	if last != (publication{topic: "garage/status", payload: "offline", retain: true}) {
		t.Errorf("last publish = %v, want offline", last)
	}
	if h.mgr.MessagingState() != Disconnected {
		t.Errorf("MessagingState() = %v after Close", h.mgr.MessagingState())
	}
}

func TestEnsure_Cancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	errNoAP := errors.New("no access point")
	h.net.Script(errNoAP, errNoAP, errNoAP, errNoAP)

	ctx, cancel := context.WithCancel(context.Background())
	h.ind.onSearch = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	if err := h.mgr.Ensure(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Ensure() error = %v, want context.Canceled", err)
	}
	if h.net.Attempts() != 2 {
		t.Errorf("attempts = %d, want 2", h.net.Attempts())
	}
	if h.mgr.NetworkState() != Disconnected {
		t.Errorf("NetworkState() = %v", h.mgr.NetworkState())
	}
}
