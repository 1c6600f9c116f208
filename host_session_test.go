package proxsmtp

import (
	"bufio"
	"io"
	"testing"
)

// recordingHook captures every AfterLog/AfterVerdict call it receives.
type recordingHook struct {
	logs     []*LogEvent
	verdicts []*VerdictEvent
}

func (h *recordingHook) Name() string       { return "recording" }
func (h *recordingHook) AfterInit() error   { return nil }
func (h *recordingHook) AfterLog(e *LogEvent) { h.logs = append(h.logs, e) }
func (h *recordingHook) AfterVerdict(e *VerdictEvent) { h.verdicts = append(h.verdicts, e) }

func TestSessionCacheDataUnescapesLeadingDot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Directory = t.TempDir()
	sess, client := newTestSession(t, cfg)
	defer sess.cleanupCache()

	go func() {
		client.Write([]byte("Subject: hi\r\n"))
		client.Write([]byte("..leading dot line\r\n"))
		client.Write([]byte(".\r\n"))
	}()

	if err := sess.CacheData(&SessionContext{}); err != nil {
		t.Fatalf("CacheData: %v", err)
	}

	got, err := io.ReadAll(sess.inCache)
	if err != nil {
		t.Fatalf("reading cache file: %v", err)
	}
	want := "Subject: hi\r\n.leading dot line\r\n"
	if string(got) != want {
		t.Errorf("cache contents = %q, want %q", got, want)
	}
}

func TestSessionCacheDataIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Directory = t.TempDir()
	sess, client := newTestSession(t, cfg)
	defer sess.cleanupCache()

	go func() {
		client.Write([]byte("body\r\n.\r\n"))
	}()

	if err := sess.CacheData(&SessionContext{}); err != nil {
		t.Fatalf("first CacheData: %v", err)
	}
	first := sess.inCache

	// A second call must be a no-op: it must not try to read the client
	// connection again (there is nothing left to send) or replace inCache.
	if err := sess.CacheData(&SessionContext{}); err != nil {
		t.Fatalf("second CacheData: %v", err)
	}
	if sess.inCache != first {
		t.Error("CacheData replaced an already-open cache file")
	}
}

func TestSessionReadDataChunks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Directory = t.TempDir()
	sess, client := newTestSession(t, cfg)
	defer sess.cleanupCache()

	go func() {
		client.Write([]byte("hello world\r\n.\r\n"))
	}()
	if err := sess.CacheData(&SessionContext{}); err != nil {
		t.Fatalf("CacheData: %v", err)
	}

	var got []byte
	for {
		chunk, err := sess.ReadData(&SessionContext{})
		if err != nil {
			t.Fatalf("ReadData: %v", err)
		}
		if len(chunk) == 0 {
			break
		}
		got = append(got, chunk...)
	}
	if string(got) != "hello world\r\n" {
		t.Errorf("ReadData assembled %q, want %q", got, "hello world\r\n")
	}
}

func TestSessionWriteDataOpenWriteClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Directory = t.TempDir()
	sess, _ := newTestSession(t, cfg)
	defer sess.cleanupCache()

	if err := sess.WriteData(&SessionContext{}, nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	if sess.outCache == nil {
		t.Fatal("expected outCache to be open after the first zero-length WriteData")
	}
	if err := sess.WriteData(&SessionContext{}, []byte("rewritten body")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sess.WriteData(&SessionContext{}, nil); err != nil {
		t.Fatalf("close/seek: %v", err)
	}

	got, err := io.ReadAll(sess.outCache)
	if err != nil {
		t.Fatalf("reading outCache: %v", err)
	}
	if string(got) != "rewritten body" {
		t.Errorf("outCache contents = %q, want %q", got, "rewritten body")
	}
}

func TestSessionWriteDataBeforeOpenFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Directory = t.TempDir()
	sess, _ := newTestSession(t, cfg)
	defer sess.cleanupCache()

	if err := sess.WriteData(&SessionContext{}, []byte("oops")); err == nil {
		t.Error("expected an error writing before the output cache was opened")
	}
}

func TestSessionFailDataUsesConfiguredFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reject = "530 Email Rejected"
	sess, client := newTestSession(t, cfg)

	// net.Pipe is unbuffered: the reply only flushes once it is read, so
	// FailData runs in its own goroutine while the test reads.
	r := bufio.NewReader(client)
	errc := make(chan error, 1)
	go func() { errc <- sess.FailData(&SessionContext{}, "") }()
	line, _ := r.ReadString('\n')
	if err := <-errc; err != nil {
		t.Fatalf("FailData: %v", err)
	}
	if line != "530 Email Rejected\r\n" {
		t.Errorf("FailData reply = %q, want %q", line, "530 Email Rejected\r\n")
	}
}

func TestSessionFailDataAddsCodeWhenMissing(t *testing.T) {
	cfg := DefaultConfig()
	sess, client := newTestSession(t, cfg)

	r := bufio.NewReader(client)
	errc := make(chan error, 1)
	go func() { errc <- sess.FailData(&SessionContext{}, "virus found") }()
	line, _ := r.ReadString('\n')
	if err := <-errc; err != nil {
		t.Fatalf("FailData: %v", err)
	}
	if line != "554 virus found\r\n" {
		t.Errorf("FailData reply = %q, want %q", line, "554 virus found\r\n")
	}
}

func TestSessionFailMsgAddsCodeWhenMissing(t *testing.T) {
	cfg := DefaultConfig()
	sess, client := newTestSession(t, cfg)

	r := bufio.NewReader(client)
	errc := make(chan error, 1)
	go func() { errc <- sess.FailMsg(&SessionContext{}, "not accepting mail") }()
	line, _ := r.ReadString('\n')
	if err := <-errc; err != nil {
		t.Fatalf("FailMsg: %v", err)
	}
	if line != "550 not accepting mail\r\n" {
		t.Errorf("FailMsg reply = %q, want %q", line, "550 not accepting mail\r\n")
	}
}

func TestSessionAddLogStatusUpdatesLastStatus(t *testing.T) {
	cfg := DefaultConfig()
	sess, _ := newTestSession(t, cfg)

	sess.AddLog(&SessionContext{}, "status=", "FILTERED")
	if sess.lastStatus != "FILTERED" {
		t.Errorf("lastStatus = %q, want FILTERED", sess.lastStatus)
	}
}

func TestSessionAddLogOtherKeyForwardsToHooks(t *testing.T) {
	cfg := DefaultConfig()
	sess, _ := newTestSession(t, cfg)
	hook := &recordingHook{}
	sess.hooks = NewHookSet(hook)

	sess.AddLog(&SessionContext{ConnID: "c1"}, "note=", "something happened")
	if len(hook.logs) != 1 {
		t.Fatalf("got %d log events, want 1", len(hook.logs))
	}
	if hook.logs[0].Message != "note=something happened" {
		t.Errorf("message = %q", hook.logs[0].Message)
	}
}

func TestSessionMessagefForwardsToHooks(t *testing.T) {
	cfg := DefaultConfig()
	sess, _ := newTestSession(t, cfg)
	hook := &recordingHook{}
	sess.hooks = NewHookSet(hook)

	sess.Messagef(&SessionContext{ConnID: "c1"}, LogWarning, "timed out after %d s", 30)
	if len(hook.logs) != 1 {
		t.Fatalf("got %d log events, want 1", len(hook.logs))
	}
	if hook.logs[0].Message != "timed out after 30 s" {
		t.Errorf("message = %q", hook.logs[0].Message)
	}
	if hook.logs[0].Level != LogWarning {
		t.Errorf("level = %v, want LogWarning", hook.logs[0].Level)
	}
}

func TestSessionSetupForkedPublishesEnvelope(t *testing.T) {
	cfg := DefaultConfig()
	sess, _ := newTestSession(t, cfg)

	ctx := &SessionContext{
		Sender:     "alice@example.org",
		Recipients: []string{"bob@example.net", "carol@example.net"},
		PeerAddr:   "192.0.2.1",
		Helo:       "mail.example.org",
		CacheName:  "/tmp/proxsmtp.x.in",
	}
	var env []string
	sess.SetupForked(ctx, true, &env)

	want := map[string]bool{
		"SENDER=alice@example.org":                  true,
		"RECIPIENTS=bob@example.net carol@example.net": true,
		"CLIENT_ADDR=192.0.2.1":                     true,
		"CLIENT_HELO=mail.example.org":               true,
		"CACHE_FILE=/tmp/proxsmtp.x.in":              true,
	}
	for _, kv := range env {
		delete(want, kv)
	}
	if len(want) != 0 {
		t.Errorf("missing expected env entries: %v", want)
	}
}

func TestSessionSetupForkedOmitsCacheFileWhenNotFilter(t *testing.T) {
	cfg := DefaultConfig()
	sess, _ := newTestSession(t, cfg)

	var env []string
	sess.SetupForked(&SessionContext{CacheName: "/tmp/x"}, false, &env)
	for _, kv := range env {
		if kv == "CACHE_FILE=/tmp/x" {
			t.Error("CACHE_FILE should not be set when isFilter is false")
		}
	}
}

func TestSessionIsQuit(t *testing.T) {
	cfg := DefaultConfig()
	sess, _ := newTestSession(t, cfg)

	if sess.IsQuit() {
		t.Error("IsQuit() = true before quit flag set")
	}
	sess.quit.Store(true)
	if !sess.IsQuit() {
		t.Error("IsQuit() = false after quit flag set")
	}
}
