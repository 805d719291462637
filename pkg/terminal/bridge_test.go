package terminal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeStream struct {
	mu       sync.Mutex
	written  []string
	lastCols int
	lastRows int
	closed   bool

	pr *io.PipeReader
	pw *io.PipeWriter
}

func newFakeStream() *fakeStream {
	pr, pw := io.Pipe()
	return &fakeStream{pr: pr, pw: pw}
}

func (f *fakeStream) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *fakeStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, string(p))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeStream) Resize(ctx context.Context, cols, rows int) error {
	f.mu.Lock()
	f.lastCols, f.lastRows = cols, rows
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	_ = f.pw.Close()
	return nil
}

func (f *fakeStream) writtenInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

var testUpgrader = websocket.Upgrader{}

func newBridgeServer(t *testing.T, stream *fakeStream, hooks Hooks) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		Run(context.Background(), conn, stream, "sess-1", hooks)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var f serverFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("failed to unmarshal server frame: %v", err)
	}
	return f
}

func TestRunSendsConnectedFrameFirst(t *testing.T) {
	stream := newFakeStream()
	_, url := newBridgeServer(t, stream, Hooks{})
	conn := dial(t, url)
	defer conn.Close()

	f := readFrame(t, conn)
	if f.Type != TypeConnected || f.SessionID != "sess-1" {
		t.Errorf("expected a connected frame for sess-1, got %+v", f)
	}
}

func TestRunSendsBannerAfterConnected(t *testing.T) {
	stream := newFakeStream()
	_, url := newBridgeServer(t, stream, Hooks{Banner: "welcome\n"})
	conn := dial(t, url)
	defer conn.Close()

	_ = readFrame(t, conn) // connected
	f := readFrame(t, conn)
	if f.Type != TypeOutput || f.Data != "welcome\n" {
		t.Errorf("expected the banner as an output frame, got %+v", f)
	}
}

func TestRunForwardsInputToStream(t *testing.T) {
	stream := newFakeStream()
	_, url := newBridgeServer(t, stream, Hooks{})
	conn := dial(t, url)
	defer conn.Close()
	_ = readFrame(t, conn) // connected

	msg, _ := json.Marshal(clientFrame{Type: TypeInput, Data: "echo hi\n"})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(stream.writtenInputs()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := stream.writtenInputs()
	if len(got) != 1 || got[0] != "echo hi\n" {
		t.Errorf("expected the input frame to reach the stream verbatim, got %v", got)
	}
}

func TestRunFansOutStreamOutputInOrder(t *testing.T) {
	stream := newFakeStream()
	_, url := newBridgeServer(t, stream, Hooks{})
	conn := dial(t, url)
	defer conn.Close()
	_ = readFrame(t, conn) // connected

	go func() {
		_, _ = stream.pw.Write([]byte("first "))
		_, _ = stream.pw.Write([]byte("second"))
	}()

	var got strings.Builder
	for got.Len() < len("first second") {
		f := readFrame(t, conn)
		if f.Type != TypeOutput {
			t.Fatalf("expected only output frames, got %+v", f)
		}
		got.WriteString(f.Data)
	}
	if got.String() != "first second" {
		t.Errorf("expected byte-exact ordered output, got %q", got.String())
	}
}

func TestRunResizeClampsAndForwards(t *testing.T) {
	stream := newFakeStream()
	_, url := newBridgeServer(t, stream, Hooks{})
	conn := dial(t, url)
	defer conn.Close()
	_ = readFrame(t, conn) // connected

	msg, _ := json.Marshal(clientFrame{Type: TypeResize, Cols: 5000, Rows: 1})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stream.mu.Lock()
		cols := stream.lastCols
		stream.mu.Unlock()
		if cols != 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	stream.mu.Lock()
	cols, rows := stream.lastCols, stream.lastRows
	stream.mu.Unlock()
	if cols != 500 {
		t.Errorf("expected an over-max cols value to clamp to the max of 500, got %d", cols)
	}
	if rows != 5 {
		t.Errorf("expected an under-min rows value to clamp to the min of 5, got %d", rows)
	}
}

func TestRunClosesOnOversizedFrame(t *testing.T) {
	stream := newFakeStream()
	_, url := newBridgeServer(t, stream, Hooks{})
	conn := dial(t, url)
	defer conn.Close()
	_ = readFrame(t, conn) // connected

	big := make([]byte, maxFrameBytes+10)
	if err := conn.WriteMessage(websocket.TextMessage, big); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = readFrame(t, conn) // error frame
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Errorf("expected close code 1009, got %v", err)
	}
}

func TestRunClosesOnMaliciousInput(t *testing.T) {
	stream := newFakeStream()
	var flagged string
	_, url := newBridgeServer(t, stream, Hooks{
		OnMaliciousInput: func(data string) { flagged = data },
	})
	conn := dial(t, url)
	defer conn.Close()
	_ = readFrame(t, conn) // connected

	msg, _ := json.Marshal(clientFrame{Type: TypeInput, Data: "\x1b]52;c;aGk=\x07"})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = readFrame(t, conn) // error frame
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("expected close code 1008, got %v", err)
	}
	if flagged == "" {
		t.Error("expected OnMaliciousInput to be called with the rejected payload")
	}
}

func TestRunRejectsInputWhenCheckCommandDenies(t *testing.T) {
	stream := newFakeStream()
	_, url := newBridgeServer(t, stream, Hooks{
		CheckCommand: func() bool { return false },
	})
	conn := dial(t, url)
	defer conn.Close()
	_ = readFrame(t, conn) // connected

	msg, _ := json.Marshal(clientFrame{Type: TypeInput, Data: "echo hi\n"})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != TypeError {
		t.Fatalf("expected an error frame when CheckCommand denies, got %+v", f)
	}
	if got := stream.writtenInputs(); len(got) != 0 {
		t.Errorf("expected the denied frame never to reach the stream, got %v", got)
	}
}

func TestRunInvokesOnTeardownExactlyOnce(t *testing.T) {
	stream := newFakeStream()
	var calls int
	var mu sync.Mutex
	_, url := newBridgeServer(t, stream, Hooks{
		OnTeardown: func() {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})
	conn := dial(t, url)
	_ = readFrame(t, conn) // connected
	conn.Close()

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected OnTeardown to run exactly once, ran %d times", calls)
	}
}

func TestRunSilentInitSuppressesOutput(t *testing.T) {
	stream := newFakeStream()
	_, url := newBridgeServer(t, stream, Hooks{})
	conn := dial(t, url)
	defer conn.Close()
	_ = readFrame(t, conn) // connected

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = stream.pw.Write([]byte("suppressed output"))
	}()

	msg, _ := json.Marshal(clientFrame{Type: TypeInit, Commands: []string{"export PS1=x"}, Silent: true})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != TypeInitComplete {
		t.Fatalf("expected the next frame to be initComplete since output was suppressed, got %+v", f)
	}
	if f.Success == nil || !*f.Success {
		t.Errorf("expected initComplete success=true, got %+v", f)
	}
}
