// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package feed_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jtesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/juju/sofa/core/changes"
	"github.com/juju/sofa/couch"
	"github.com/juju/sofa/feed"
	"github.com/juju/sofa/internal/testhelpers"
	"github.com/juju/sofa/internal/transport"
)

const (
	lineA = `{"seq":1,"id":"a","changes":[{"rev":"1-x"}]}` + "\n"
	lineB = `{"seq":2,"id":"b","changes":[{"rev":"1-y"}],"deleted":true}` + "\n"
)

var (
	eventA = changes.Event{ID: "a", Seq: "1", Changes: []string{"1-x"}}
	eventB = changes.Event{ID: "b", Seq: "2", Changes: []string{"1-y"}, Deleted: true}
)

// connScript describes how the feed server answers one connection.
type connScript struct {
	// status defaults to 200 OK. Any other status is sent with body and the
	// connection ends.
	status int
	body   string

	// lines are written one chunk at a time.
	lines []string

	// end closes the connection after the lines instead of holding it
	// open.
	end bool
}

// feedServer answers the n-th connection with the n-th script. Connections
// beyond the scripts are held open without a response.
type feedServer struct {
	*testhelpers.Server

	hold chan struct{}

	mu      sync.Mutex
	scripts []connScript
	served  int
}

func newFeedServer(c *gc.C, scripts ...connScript) *feedServer {
	return newFeedServerOn(c, "127.0.0.1:0", scripts...)
}

func newFeedServerOn(c *gc.C, addr string, scripts ...connScript) *feedServer {
	s := &feedServer{
		hold:    make(chan struct{}),
		scripts: scripts,
	}
	s.Server = testhelpers.NewServerOn(c, addr, s.serve)
	return s
}

func (s *feedServer) Close() {
	close(s.hold)
	s.Server.Close()
}

func (s *feedServer) serve(conn net.Conn, _ *http.Request, _ []byte) {
	s.mu.Lock()
	n := s.served
	s.served++
	s.mu.Unlock()

	if n >= len(s.scripts) {
		<-s.hold
		return
	}
	script := s.scripts[n]

	if script.status != 0 && script.status != http.StatusOK {
		head := testhelpers.ResponseHead(script.status,
			fmt.Sprintf("Content-Length: %d", len(script.body)),
		)
		_, _ = conn.Write(append(head, script.body...))
		return
	}

	head := testhelpers.ResponseHead(http.StatusOK,
		"Content-Type: application/json",
		"Transfer-Encoding: chunked",
	)
	chunks := [][]byte{head}
	for _, line := range script.lines {
		chunks = append(chunks, []byte(fmt.Sprintf("%x\r\n%s\r\n", len(line), line)))
	}
	if err := testhelpers.WriteChunks(conn, chunks...); err != nil {
		return
	}
	if script.end {
		return
	}
	<-s.hold
}

type watcherSuite struct {
	jtesting.IsolationSuite

	clock  *testclock.Clock
	states chan string
}

var _ = gc.Suite(&watcherSuite{})

func (s *watcherSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())
	s.states = make(chan string)
}

func (s *watcherSuite) config(c *gc.C, port int, handler feed.Handler) feed.Config {
	return feed.Config{
		Database:   couchDatabase(port),
		Handler:    handler,
		RetryDelay: 30 * time.Second,
		Clock:      s.clock,
		Logger:     testhelpers.NewCheckLogger(c),
	}
}

func (s *watcherSuite) newWatcher(c *gc.C, config feed.Config) *feed.Watcher {
	w, err := feed.NewWatcherWithInternalStates(config, s.states)
	c.Assert(err, jc.ErrorIsNil)
	return w
}

func (s *watcherSuite) waitState(c *gc.C, expected string) {
	select {
	case state := <-s.states:
		c.Assert(state, gc.Equals, expected)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for %q", expected)
	}
}

func (s *watcherSuite) waitDead(c *gc.C, w *feed.Watcher) error {
	select {
	case <-w.Dead():
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("watcher did not stop")
	}
	return w.Wait()
}

func (s *watcherSuite) TestValidate(c *gc.C) {
	handler := feed.HandlerFunc(func(context.Context, changes.Event) error { return nil })
	valid := s.config(c, couch.DefaultPort, handler)
	c.Assert(valid.Validate(), jc.ErrorIsNil)

	tests := []struct {
		mutate func(*feed.Config)
		err    string
	}{{
		mutate: func(config *feed.Config) { config.Database.Host = "" },
		err:    "missing host not valid",
	}, {
		mutate: func(config *feed.Config) { config.Handler = nil },
		err:    "nil Handler not valid",
	}, {
		mutate: func(config *feed.Config) { config.Heartbeat = -time.Second },
		err:    "negative Heartbeat not valid",
	}, {
		mutate: func(config *feed.Config) { config.IdleTimeout = -time.Second },
		err:    "negative IdleTimeout not valid",
	}, {
		mutate: func(config *feed.Config) { config.RetryDelay = -time.Second },
		err:    "negative RetryDelay not valid",
	}}
	for i, test := range tests {
		c.Logf("test #%d: %s", i, test.err)
		config := valid
		test.mutate(&config)
		c.Check(config.Validate(), gc.ErrorMatches, test.err)

		w, err := feed.NewWatcher(config)
		c.Check(w, gc.IsNil)
		c.Check(err, jc.ErrorIs, errors.NotValid)
		c.Check(err, gc.ErrorMatches, "new feed watcher invalid config: "+test.err)
	}
}

func (s *watcherSuite) TestDispatchesInOrder(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	handler := NewMockHandler(ctrl)
	gomock.InOrder(
		handler.EXPECT().Handle(gomock.Any(), eventA).Return(nil),
		handler.EXPECT().Handle(gomock.Any(), eventB).Return(nil),
	)

	server := newFeedServer(c, connScript{lines: []string{lineA, "\n", "\n", lineB}})
	defer server.Close()

	w := s.newWatcher(c, s.config(c, server.Port(), handler))
	defer workertest.DirtyKill(c, w)

	s.waitState(c, feed.StateConnected)
	c.Assert(w.State(), gc.Equals, feed.StateStreaming)
	s.waitState(c, feed.StateDispatched)
	s.waitState(c, feed.StateDispatched)
	c.Assert(w.Since(), gc.Equals, changes.Sequence("2"))

	req := <-server.Requests
	c.Assert(req.URL.Path, gc.Equals, "/db/_changes")
	c.Assert(req.URL.Query().Get("feed"), gc.Equals, "continuous")
	c.Assert(req.URL.Query().Get("heartbeat"), gc.Equals, "10000")
	c.Assert(req.URL.Query().Has("since"), jc.IsFalse)

	workertest.CleanKill(c, w)
	c.Assert(w.State(), gc.Equals, feed.StateStopped)
}

func (s *watcherSuite) TestRequestCustomization(c *gc.C) {
	server := newFeedServer(c)
	defer server.Close()

	config := s.config(c, server.Port(), feed.HandlerFunc(func(context.Context, changes.Event) error {
		return nil
	}))
	config.Since = "12-abc"
	config.Filter = "app/important"
	config.IncludeDocs = true
	config.Heartbeat = time.Second
	config.Params = map[string][]string{"style": {"all_docs"}}
	config.Header = http.Header{"X-Trace": {"on"}}
	config.Database.Credentials = couch.BasicAuth{Username: "u", Password: "p"}

	w, err := feed.NewWatcher(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	var req *http.Request
	select {
	case req = <-server.Requests:
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("no request")
	}
	query := req.URL.Query()
	c.Check(query.Get("since"), gc.Equals, "12-abc")
	c.Check(query.Get("filter"), gc.Equals, "app/important")
	c.Check(query.Get("include_docs"), gc.Equals, "true")
	c.Check(query.Get("heartbeat"), gc.Equals, "1000")
	c.Check(query.Get("style"), gc.Equals, "all_docs")
	c.Check(req.Header.Get("X-Trace"), gc.Equals, "on")
	user, password, ok := req.BasicAuth()
	c.Check(ok, jc.IsTrue)
	c.Check(user+":"+password, gc.Equals, "u:p")
}

func (s *watcherSuite) TestRetriesRefusedConnection(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()
	handler := NewMockHandler(ctrl)

	port := testhelpers.FreePort(c)
	w := s.newWatcher(c, s.config(c, port, handler))
	defer workertest.DirtyKill(c, w)

	// Nothing listens yet: the attempt is refused and nothing dispatched.
	s.waitState(c, feed.StateRetrying)
	c.Assert(w.State(), gc.Equals, feed.StateConnecting)

	server := newFeedServerOn(c, fmt.Sprintf("127.0.0.1:%d", port), connScript{lines: []string{lineA}})
	defer server.Close()

	handler.EXPECT().Handle(gomock.Any(), eventA).Return(nil)
	c.Assert(s.clock.WaitAdvance(30*time.Second, testhelpers.ShortWait, 1), jc.ErrorIsNil)
	s.waitState(c, feed.StateConnected)
	s.waitState(c, feed.StateDispatched)

	report := w.Report()
	c.Check(report["connect-attempts"], gc.Equals, 2)
	c.Check(report["events"], gc.Equals, 1)
	workertest.CleanKill(c, w)
}

func (s *watcherSuite) TestRetryWaitsForDelay(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	w := s.newWatcher(c, s.config(c, testhelpers.FreePort(c), NewMockHandler(ctrl)))
	defer workertest.DirtyKill(c, w)

	s.waitState(c, feed.StateRetrying)
	c.Assert(s.clock.WaitAdvance(29*time.Second, testhelpers.ShortWait, 1), jc.ErrorIsNil)
	select {
	case state := <-s.states:
		c.Fatalf("unexpected state %q before the retry delay", state)
	case <-time.After(testhelpers.ShortWait):
	}
	c.Assert(s.clock.WaitAdvance(time.Second, testhelpers.ShortWait, 1), jc.ErrorIsNil)
	s.waitState(c, feed.StateRetrying)
	c.Check(w.Report()["connect-attempts"], gc.Equals, 2)

	workertest.CleanKill(c, w)
}

func (s *watcherSuite) TestNonOKStatusIsFatal(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	server := newFeedServer(c, connScript{
		status: http.StatusUnauthorized,
		body:   `{"error":"unauthorized","reason":"Name or password is incorrect."}`,
	})
	defer server.Close()

	w := s.newWatcher(c, s.config(c, server.Port(), NewMockHandler(ctrl)))
	err := s.waitDead(c, w)
	c.Assert(err, jc.ErrorIs, couch.ErrUnexpectedStatus)

	var statusErr *couch.StatusError
	c.Assert(errors.As(err, &statusErr), jc.IsTrue)
	c.Assert(statusErr.Code, gc.Equals, http.StatusUnauthorized)
	c.Assert(statusErr.Name, gc.Equals, "unauthorized")
	c.Assert(w.State(), gc.Equals, feed.StateStopped)
	c.Assert(w.Report()["connect-attempts"], gc.Equals, 1)
}

func (s *watcherSuite) TestServerClosingFeedIsFatal(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	handler := NewMockHandler(ctrl)
	handler.EXPECT().Handle(gomock.Any(), eventA).Return(nil)

	server := newFeedServer(c, connScript{lines: []string{lineA}, end: true})
	defer server.Close()

	w := s.newWatcher(c, s.config(c, server.Port(), handler))
	s.waitState(c, feed.StateConnected)
	s.waitState(c, feed.StateDispatched)

	err := s.waitDead(c, w)
	c.Assert(err, jc.ErrorIs, feed.ErrFeedClosed)
}

func (s *watcherSuite) TestDecodeErrorIsFatal(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	handler := NewMockHandler(ctrl)
	handler.EXPECT().Handle(gomock.Any(), eventA).Return(nil)

	server := newFeedServer(c, connScript{lines: []string{lineA + `{"id":}` + "\n"}})
	defer server.Close()

	w := s.newWatcher(c, s.config(c, server.Port(), handler))
	s.waitState(c, feed.StateConnected)
	s.waitState(c, feed.StateDispatched)

	err := s.waitDead(c, w)
	c.Assert(err, gc.ErrorMatches, `decoding feed: invalid JSON at offset \d+: unexpected character '}'`)
}

func (s *watcherSuite) TestInvalidChangeIsFatal(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	server := newFeedServer(c, connScript{lines: []string{`{"id":"a","changes":"1-x"}` + "\n"}})
	defer server.Close()

	w := s.newWatcher(c, s.config(c, server.Port(), NewMockHandler(ctrl)))
	s.waitState(c, feed.StateConnected)

	err := s.waitDead(c, w)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *watcherSuite) TestHandlerErrorIsFatal(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	handler := NewMockHandler(ctrl)
	handler.EXPECT().Handle(gomock.Any(), eventA).Return(errors.New("boom"))

	server := newFeedServer(c, connScript{lines: []string{lineA, lineB}})
	defer server.Close()

	w := s.newWatcher(c, s.config(c, server.Port(), handler))
	s.waitState(c, feed.StateConnected)

	err := s.waitDead(c, w)
	c.Assert(err, gc.ErrorMatches, `handling change "a": boom`)
}

func (s *watcherSuite) TestLastSeqUpdatesSince(c *gc.C) {
	server := newFeedServer(c, connScript{lines: []string{`{"last_seq":"5-x","pending":0}` + "\n"}})
	defer server.Close()

	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	w := s.newWatcher(c, s.config(c, server.Port(), NewMockHandler(ctrl)))
	defer workertest.DirtyKill(c, w)

	s.waitState(c, feed.StateConnected)
	s.waitState(c, feed.StateLastSeq)
	c.Assert(w.Since(), gc.Equals, changes.Sequence("5-x"))
	workertest.CleanKill(c, w)
}

func (s *watcherSuite) TestGracefulShutdown(c *gc.C) {
	server := newFeedServer(c, connScript{lines: []string{lineA + lineB}})
	defer server.Close()

	var (
		calls   atomic.Int32
		entered = make(chan struct{})
		release = make(chan struct{})
	)
	handler := feed.HandlerFunc(func(ctx context.Context, event changes.Event) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	})

	dialer := &countingDialer{}
	config := s.config(c, server.Port(), handler)
	config.Dialer = dialer
	w, err := feed.NewWatcher(config)
	c.Assert(err, jc.ErrorIsNil)

	select {
	case <-entered:
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("handler not called")
	}
	w.Kill()
	c.Assert(w.State(), gc.Equals, feed.StateStopping)
	close(release)

	c.Assert(s.waitDead(c, w), jc.ErrorIsNil)
	c.Assert(calls.Load(), gc.Equals, int32(1))
	c.Assert(dialer.closes.Load(), gc.Equals, int32(1))
	c.Assert(w.State(), gc.Equals, feed.StateStopped)
}

func (s *watcherSuite) TestKillWhileRetrying(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	w := s.newWatcher(c, s.config(c, testhelpers.FreePort(c), NewMockHandler(ctrl)))
	s.waitState(c, feed.StateRetrying)
	workertest.CleanKill(c, w)
	c.Assert(w.State(), gc.Equals, feed.StateStopped)
}

func (s *watcherSuite) TestIdleConnectionIsReopened(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	handler := NewMockHandler(ctrl)
	gomock.InOrder(
		handler.EXPECT().Handle(gomock.Any(), eventA).Return(nil),
		handler.EXPECT().Handle(gomock.Any(), eventB).Return(nil),
	)

	// The first connection goes silent after one event.
	server := newFeedServer(c,
		connScript{lines: []string{lineA}},
		connScript{lines: []string{lineB}},
	)
	defer server.Close()

	config := s.config(c, server.Port(), handler)
	config.IdleTimeout = 250 * time.Millisecond
	w := s.newWatcher(c, config)
	defer workertest.DirtyKill(c, w)

	s.waitState(c, feed.StateConnected)
	s.waitState(c, feed.StateDispatched)
	s.waitState(c, feed.StateReconnecting)
	s.waitState(c, feed.StateConnected)
	s.waitState(c, feed.StateDispatched)
	c.Check(w.Report()["reconnects"], gc.Equals, 1)

	first := <-server.Requests
	c.Check(first.URL.Query().Has("since"), jc.IsFalse)
	second := <-server.Requests
	c.Check(second.URL.Query().Get("since"), gc.Equals, "1")

	workertest.CleanKill(c, w)
}

func (s *watcherSuite) TestWaitAcked(c *gc.C) {
	server := newFeedServer(c, connScript{lines: []string{lineA, lineB}})
	defer server.Close()

	var watcher atomic.Pointer[feed.Watcher]
	ready := make(chan struct{})
	handler := feed.HandlerFunc(func(_ context.Context, event changes.Event) error {
		<-ready
		if event.ID == "a" {
			watcher.Load().Ack(event.ID)
		}
		return nil
	})

	w, err := feed.NewWatcher(s.config(c, server.Port(), handler))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)
	watcher.Store(w)
	close(ready)

	abort := make(chan struct{})
	timer := time.AfterFunc(testhelpers.LongWait, func() { close(abort) })
	defer timer.Stop()
	c.Assert(w.WaitAcked(abort, "a"), jc.ErrorIsNil)

	// "b" is dispatched but never acknowledged.
	shortAbort := make(chan struct{})
	time.AfterFunc(testhelpers.ShortWait, func() { close(shortAbort) })
	c.Assert(w.WaitAcked(shortAbort, "b"), gc.Equals, feed.ErrAborted)

	pending := w.Report()["pending-acks"]
	c.Assert(pending, gc.Equals, 1)

	workertest.CleanKill(c, w)
	c.Assert(w.WaitAcked(nil, "b"), gc.Equals, feed.ErrWatcherStopped)
	c.Assert(w.WaitAcked(nil, "a"), jc.ErrorIsNil)
}

func (s *watcherSuite) TestAutoAck(c *gc.C) {
	server := newFeedServer(c, connScript{lines: []string{lineA}})
	defer server.Close()

	config := s.config(c, server.Port(), feed.HandlerFunc(func(context.Context, changes.Event) error {
		return nil
	}))
	config.AutoAck = true
	w, err := feed.NewWatcher(config)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	abort := make(chan struct{})
	timer := time.AfterFunc(testhelpers.LongWait, func() { close(abort) })
	defer timer.Stop()
	c.Assert(w.WaitAcked(abort, "a"), jc.ErrorIsNil)
}

func (s *watcherSuite) TestCheckpoints(c *gc.C) {
	server := newFeedServer(c, connScript{lines: []string{lineB}})
	defer server.Close()

	store := &memoryCheckpoints{saved: map[string]changes.Sequence{"orders": "1"}}
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()
	handler := NewMockHandler(ctrl)
	handler.EXPECT().Handle(gomock.Any(), eventB).Return(nil)

	config := s.config(c, server.Port(), handler)
	config.Since = "0"
	config.Checkpoints = store
	config.CheckpointName = "orders"
	w := s.newWatcher(c, config)
	defer workertest.DirtyKill(c, w)

	s.waitState(c, feed.StateConnected)
	s.waitState(c, feed.StateDispatched)
	c.Assert(store.get("orders"), gc.Equals, changes.Sequence("2"))

	req := <-server.Requests
	c.Assert(req.URL.Query().Get("since"), gc.Equals, "1")
	workertest.CleanKill(c, w)
}

func (s *watcherSuite) TestCheckpointLoadFailure(c *gc.C) {
	store := &memoryCheckpoints{err: errors.New("disk on fire")}
	config := s.config(c, testhelpers.FreePort(c), feed.HandlerFunc(func(context.Context, changes.Event) error {
		return nil
	}))
	config.Checkpoints = store
	w, err := feed.NewWatcher(config)
	c.Assert(err, jc.ErrorIsNil)

	err = s.waitDead(c, w)
	c.Assert(err, gc.ErrorMatches, `loading checkpoint "db": disk on fire`)
}

type memoryCheckpoints struct {
	mu    sync.Mutex
	saved map[string]changes.Sequence
	err   error
}

func (m *memoryCheckpoints) Load(name string) (changes.Sequence, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	seq, ok := m.saved[name]
	return seq, ok, nil
}

func (m *memoryCheckpoints) Save(name string, seq changes.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[name] = seq
	return nil
}

func (m *memoryCheckpoints) get(name string) changes.Sequence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[name]
}

type countingDialer struct {
	closes atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, host string, port int) (transport.Conn, error) {
	conn, err := transport.NetDialer{}.Dial(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return &countingConn{Conn: conn, closes: &d.closes}, nil
}

type countingConn struct {
	transport.Conn
	closes *atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}
