package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ticketrelay/internal/engine"
	"github.com/roach88/ticketrelay/internal/operator"
	"github.com/roach88/ticketrelay/internal/ticket"
)

const (
	staffChat    = -1001
	operatorChat = -1002
)

type upload struct {
	chatID   string
	caption  string
	fileName string
	data     []byte
}

type fakeGateway struct {
	mu      sync.Mutex
	sends   []sendRequest
	uploads []upload
	files   map[string][]byte
	chunked bool
	next    int64
}

func newFakeGateway(t *testing.T, opts ...Option) (*fakeGateway, *Client) {
	t.Helper()
	g := &fakeGateway{files: make(map[string][]byte), next: 700}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.ChatID == 13 {
			http.Error(w, "bot was blocked by the user", http.StatusForbidden)
			return
		}
		g.mu.Lock()
		g.next++
		id := g.next
		g.sends = append(g.sends, req)
		g.mu.Unlock()
		json.NewEncoder(w).Encode(sendResponse{MessageID: id})
	})
	mux.HandleFunc("POST /send_document", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("document")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		g.mu.Lock()
		g.uploads = append(g.uploads, upload{
			chatID:   r.FormValue("chat_id"),
			caption:  r.FormValue("caption"),
			fileName: hdr.Filename,
			data:     data,
		})
		g.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /files/{ref}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		data, ok := g.files[r.PathValue("ref")]
		chunked := g.chunked
		g.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if chunked && len(data) > 1 {
			// Flushing early drops Content-Length from the response.
			w.Write(data[:1])
			w.(http.Flusher).Flush()
			data = data[1:]
		}
		w.Write(data)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithHTTPClient(srv.Client())}, opts...)
	return g, New(srv.URL+"/", staffChat, operatorChat, opts...)
}

func TestSendToStaff(t *testing.T) {
	g, c := newFakeGateway(t)

	id, err := c.SendToStaff(context.Background(), engine.Outbound{
		Text:  "New ticket T1",
		Media: &ticket.Content{Kind: ticket.KindPhoto, MediaRef: "ph-1"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 701, id)

	require.Len(t, g.sends, 1)
	assert.EqualValues(t, staffChat, g.sends[0].ChatID)
	assert.Equal(t, "ph-1", g.sends[0].Media.MediaRef)
}

func TestSendToUser(t *testing.T) {
	g, c := newFakeGateway(t)

	err := c.SendToUser(context.Background(), 42, engine.Outbound{
		Text:    "Close ticket T1?",
		Buttons: []engine.Button{{Label: "Yes, close it", Action: engine.EventConfirmClose, TicketID: "T1"}},
	})
	require.NoError(t, err)
	require.Len(t, g.sends, 1)
	assert.EqualValues(t, 42, g.sends[0].ChatID)
	assert.Equal(t, engine.EventConfirmClose, g.sends[0].Buttons[0].Action)
}

func TestGatewayErrorStatus(t *testing.T) {
	_, c := newFakeGateway(t)

	err := c.SendToUser(context.Background(), 13, engine.Outbound{Text: "hi"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Status)
	assert.Equal(t, "bot was blocked by the user", se.Body)
	assert.Equal(t, "gateway POST /send: status 403: bot was blocked by the user", err.Error())
}

func TestSendToOperatorText(t *testing.T) {
	g, c := newFakeGateway(t)

	require.NoError(t, c.SendToOperator(context.Background(), operator.Message{Text: "usage"}))
	require.Len(t, g.sends, 1)
	assert.EqualValues(t, operatorChat, g.sends[0].ChatID)
}

func TestSendToOperatorDocument(t *testing.T) {
	g, c := newFakeGateway(t)
	path := filepath.Join(t.TempDir(), "backup_20261016_120000_000_auto.trz.age")
	require.NoError(t, os.WriteFile(path, []byte("ciphertext"), 0o600))

	require.NoError(t, c.SendToOperator(context.Background(), operator.Message{Text: "Automatic backup", Attachment: path}))
	require.Len(t, g.uploads, 1)
	up := g.uploads[0]
	assert.Equal(t, "-1002", up.chatID)
	assert.Equal(t, "Automatic backup", up.caption)
	assert.Equal(t, "backup_20261016_120000_000_auto.trz.age", up.fileName)
	assert.Equal(t, []byte("ciphertext"), up.data)
}

func TestSendToOperatorMissingAttachment(t *testing.T) {
	_, c := newFakeGateway(t)

	err := c.SendToOperator(context.Background(), operator.Message{Text: "x", Attachment: filepath.Join(t.TempDir(), "gone")})
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFetchFile(t *testing.T) {
	g, c := newFakeGateway(t)
	g.files["doc-9"] = []byte("archive bytes")

	var buf bytes.Buffer
	require.NoError(t, c.FetchFile(context.Background(), "doc-9", &buf))
	assert.Equal(t, "archive bytes", buf.String())

	err := c.FetchFile(context.Background(), "doc-10", &buf)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
}

func TestFetchFileSizeLimit(t *testing.T) {
	for _, chunked := range []bool{false, true} {
		name := "content_length"
		if chunked {
			name = "chunked"
		}
		t.Run(name, func(t *testing.T) {
			g, c := newFakeGateway(t, WithMaxFileSize(8))
			g.chunked = chunked
			g.files["small"] = []byte("12345678")
			g.files["big"] = []byte("123456789")

			var buf bytes.Buffer
			require.NoError(t, c.FetchFile(context.Background(), "small", &buf))
			assert.Equal(t, "12345678", buf.String())

			buf.Reset()
			err := c.FetchFile(context.Background(), "big", &buf)
			require.ErrorIs(t, err, ErrFileTooLarge)
			assert.LessOrEqual(t, buf.Len(), 9)
		})
	}
}

func TestSendHonoursContext(t *testing.T) {
	_, c := newFakeGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SendToStaff(ctx, engine.Outbound{Text: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
