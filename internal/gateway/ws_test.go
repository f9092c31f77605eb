// ABOUTME: End-to-end WebSocket tests against the gateway handler
// ABOUTME: Covers handshake auth, live fan-out across sessions, reconnection backfill and errors

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dm/internal/config"
	"github.com/2389/coven-dm/internal/conversation"
)

// wsClient is a test client that buffers events seen while waiting for responses.
type wsClient struct {
	conn   *websocket.Conn
	hello  HelloPayload
	events []Frame
	nextID int
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
}

func (ts *testServer) dial(t *testing.T, token string) *wsClient {
	t.Helper()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{conn: conn}
	f := c.read(t)
	require.Equal(t, FrameTypeEvent, f.Type)
	require.Equal(t, EventHello, f.Event)
	require.NoError(t, json.Unmarshal(f.Payload, &c.hello))
	return c
}

func (c *wsClient) read(t *testing.T) Frame {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f Frame
	require.NoError(t, c.conn.ReadJSON(&f))
	return f
}

// call sends a request and returns its response, buffering events that
// arrive first.
func (c *wsClient) call(t *testing.T, method string, params any) Frame {
	t.Helper()

	c.nextID++
	id := strconv.Itoa(c.nextID)
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteJSON(Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}))

	for {
		f := c.read(t)
		switch {
		case f.Type == FrameTypeEvent:
			c.events = append(c.events, f)
		case f.Type == FrameTypeResponse && f.ID == id:
			return f
		}
	}
}

func (c *wsClient) nextEvent(t *testing.T) Frame {
	t.Helper()
	if len(c.events) > 0 {
		f := c.events[0]
		c.events = c.events[1:]
		return f
	}
	f := c.read(t)
	require.Equal(t, FrameTypeEvent, f.Type, "expected an event, got %+v", f)
	return f
}

// assertNoEvents flushes the session with a round trip; pushes queued before
// the call would arrive ahead of its response.
func (c *wsClient) assertNoEvents(t *testing.T) {
	t.Helper()
	c.call(t, MethodConversationsList, ListParams{})
	assert.Empty(t, c.events)
}

func decodeMessage(t *testing.T, raw json.RawMessage) MessageDTO {
	t.Helper()
	var m MessageDTO
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func decodeMessages(t *testing.T, raw json.RawMessage) []MessageDTO {
	t.Helper()
	var m []MessageDTO
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func requireOK(t *testing.T, f Frame) {
	t.Helper()
	require.NotNil(t, f.OK)
	require.True(t, *f.OK, "error: %+v", f.Error)
}

func requireErrorCode(t *testing.T, f Frame, code string) {
	t.Helper()
	require.NotNil(t, f.OK)
	require.False(t, *f.OK)
	require.NotNil(t, f.Error)
	assert.Equal(t, code, f.Error.Code, f.Error.Message)
}

func TestWebSocket_RejectsMissingOrBadToken(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser(t, "alice")

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-jwt")
	_, resp, err = websocket.DefaultDialer.Dial(ts.wsURL(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, 0, ts.gw.Registry().Count())
}

func TestWebSocket_TokenQueryParam(t *testing.T) {
	ts := newTestServer(t)
	token := ts.addUser(t, "alice")

	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL()+"?token="+token, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	c := &wsClient{conn: conn}
	f := c.read(t)
	assert.Equal(t, EventHello, f.Event)
}

func TestWebSocket_HelloAndRegistration(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.addUser(t, "alice")

	c := ts.dial(t, alice)
	assert.Equal(t, "alice", c.hello.UserID)
	assert.NotEmpty(t, c.hello.SessionID)
	assert.Equal(t, []string{MethodConversationsList, MethodHistoryLoad, MethodMessageSend}, c.hello.Methods)
	assert.Equal(t, 4096, c.hello.Policy.MaxBodyLength)
	assert.True(t, ts.gw.Registry().IsRegistered("alice", c.hello.SessionID))

	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool {
		return ts.gw.Registry().Count() == 0
	}, 2*time.Second, 10*time.Millisecond, "closing the socket must unregister the session")
}

func TestWebSocket_EndToEnd(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.addUser(t, "alice")
	bobToken := ts.addUser(t, "bob")

	s1 := ts.dial(t, aliceToken)
	s2 := ts.dial(t, bobToken)
	s3 := ts.dial(t, bobToken)

	resp := s1.call(t, MethodMessageSend, SendParams{ReceiverID: "bob", Body: "hi"})
	requireOK(t, resp)
	sent := decodeMessage(t, resp.Payload)
	assert.Equal(t, "alice:bob", sent.ConversationKey)
	assert.Equal(t, int64(1), sent.Seq)
	assert.Equal(t, "alice", sent.SenderID)
	assert.Equal(t, "bob", sent.ReceiverID)

	for _, c := range []*wsClient{s2, s3} {
		ev := c.nextEvent(t)
		assert.Equal(t, EventMessage, ev.Event)
		assert.Equal(t, sent.Seq, ev.Seq)
		assert.Equal(t, sent, decodeMessage(t, ev.Payload), "pushed record must equal the persisted one")
	}

	ts.gw.router.Wait()
	s1.assertNoEvents(t)

	resp = s2.call(t, MethodHistoryLoad, HistoryParams{OtherUserID: "alice"})
	requireOK(t, resp)
	hist := decodeMessages(t, resp.Payload)
	require.Len(t, hist, 1)
	assert.Equal(t, sent, hist[0])
}

func TestWebSocket_ReconnectionBackfill(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.addUser(t, "alice")
	bobToken := ts.addUser(t, "bob")

	s1 := ts.dial(t, aliceToken)
	s2 := ts.dial(t, bobToken)
	s3 := ts.dial(t, bobToken)

	resp := s1.call(t, MethodMessageSend, SendParams{ReceiverID: "bob", Body: "hi"})
	requireOK(t, resp)
	first := decodeMessage(t, resp.Payload)
	s2.nextEvent(t)
	s3.nextEvent(t)

	require.NoError(t, s2.conn.Close())
	require.NoError(t, s3.conn.Close())
	require.Eventually(t, func() bool {
		return len(ts.gw.Registry().SessionsFor("bob")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	resp = s1.call(t, MethodMessageSend, SendParams{ReceiverID: "bob", Body: "still there?"})
	requireOK(t, resp)
	second := decodeMessage(t, resp.Payload)

	s4 := ts.dial(t, bobToken)
	resp = s4.call(t, MethodHistoryLoad, HistoryParams{OtherUserID: "alice", Limit: 10})
	requireOK(t, resp)
	hist := decodeMessages(t, resp.Payload)
	require.Len(t, hist, 2)
	assert.Equal(t, first.ID, hist[0].ID)
	assert.Equal(t, second.ID, hist[1].ID)
	t0, err := time.Parse(time.RFC3339Nano, hist[0].Timestamp)
	require.NoError(t, err)
	t1, err := time.Parse(time.RFC3339Nano, hist[1].Timestamp)
	require.NoError(t, err)
	assert.False(t, t1.Before(t0), "history must be in ascending timestamp order")

	ts.gw.router.Wait()
	s4.assertNoEvents(t)
}

func TestWebSocket_SenderOtherSessionsGetEcho(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.addUser(t, "alice")
	ts.addUser(t, "bob")

	phone := ts.dial(t, aliceToken)
	laptop := ts.dial(t, aliceToken)

	resp := phone.call(t, MethodMessageSend, SendParams{ReceiverID: "bob", Body: "from my phone"})
	requireOK(t, resp)

	ev := laptop.nextEvent(t)
	assert.Equal(t, "from my phone", decodeMessage(t, ev.Payload).Body)

	ts.gw.router.Wait()
	phone.assertNoEvents(t)
}

func TestWebSocket_RESTSendPushesToLiveSessions(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.addUser(t, "alice")
	bobToken := ts.addUser(t, "bob")

	bob := ts.dial(t, bobToken)
	alice := ts.dial(t, aliceToken)

	status, data := ts.do(t, http.MethodPost, "/api/messages/send", aliceToken, SendParams{ReceiverID: "bob", Body: "via rest"})
	require.Equal(t, http.StatusCreated, status, string(data))

	for _, c := range []*wsClient{bob, alice} {
		ev := c.nextEvent(t)
		assert.Equal(t, "via rest", decodeMessage(t, ev.Payload).Body)
	}
}

func TestWebSocket_OrderedDelivery(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.addUser(t, "alice")
	bobToken := ts.addUser(t, "bob")

	alice := ts.dial(t, aliceToken)
	bob := ts.dial(t, bobToken)

	const n = 20
	for i := range n {
		requireOK(t, alice.call(t, MethodMessageSend, SendParams{ReceiverID: "bob", Body: "msg " + strconv.Itoa(i)}))
	}

	for i := range n {
		ev := bob.nextEvent(t)
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestWebSocket_Errors(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.addUser(t, "alice")
	ts.addUser(t, "bob")

	c := ts.dial(t, aliceToken)

	tests := []struct {
		name   string
		method string
		params any
		code   string
	}{
		{"unknown recipient", MethodMessageSend, SendParams{ReceiverID: "ghost", Body: "hi"}, "unknown_recipient"},
		{"unknown recipient with blank body", MethodMessageSend, SendParams{ReceiverID: "ghost", Body: "  "}, "unknown_recipient"},
		{"blank body", MethodMessageSend, SendParams{ReceiverID: "bob", Body: " \n "}, "validation_error"},
		{"self send", MethodMessageSend, SendParams{ReceiverID: "alice", Body: "me"}, "validation_error"},
		{"missing receiver", MethodMessageSend, map[string]string{"body": "hi"}, "validation_error"},
		{"params not an object", MethodMessageSend, []int{1, 2}, "bad_request"},
		{"history limit too large", MethodHistoryLoad, HistoryParams{OtherUserID: "bob", Limit: 501}, "validation_error"},
		{"history with self", MethodHistoryLoad, HistoryParams{OtherUserID: "alice"}, "validation_error"},
		{"unknown method", "message.delete", nil, "method_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireErrorCode(t, c.call(t, tt.method, tt.params), tt.code)
		})
	}

	resp := c.call(t, MethodHistoryLoad, HistoryParams{OtherUserID: "bob"})
	requireOK(t, resp)
	assert.Empty(t, decodeMessages(t, resp.Payload), "failed sends must not be persisted")
}

func TestWebSocket_InvalidFrame(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t, ts.addUser(t, "alice"))

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := c.read(t)
	requireErrorCode(t, f, CodeBadRequest)

	// The session survives a bad frame.
	requireOK(t, c.call(t, MethodConversationsList, nil))
}

func TestWebSocket_RateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Sessions.SubmitRate = 0.001
		c.Sessions.SubmitBurst = 2
	})
	c := ts.dial(t, ts.addUser(t, "alice"))
	ts.addUser(t, "bob")

	requireOK(t, c.call(t, MethodMessageSend, SendParams{ReceiverID: "bob", Body: "1"}))
	requireOK(t, c.call(t, MethodMessageSend, SendParams{ReceiverID: "bob", Body: "2"}))
	resp := c.call(t, MethodMessageSend, SendParams{ReceiverID: "bob", Body: "3"})
	requireErrorCode(t, resp, CodeRateLimited)
	assert.True(t, resp.Error.Retryable)

	// Reads are not limited.
	requireOK(t, c.call(t, MethodHistoryLoad, HistoryParams{OtherUserID: "bob"}))
}

func TestWebSocket_ConversationsList(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.addUser(t, "alice")
	ts.addUser(t, "bob")
	ts.addUser(t, "carol")

	c := ts.dial(t, aliceToken)
	requireOK(t, c.call(t, MethodMessageSend, SendParams{ReceiverID: "bob", Body: "hey bob"}))
	time.Sleep(2 * time.Millisecond)
	requireOK(t, c.call(t, MethodMessageSend, SendParams{ReceiverID: "carol", Body: "hey carol"}))

	resp := c.call(t, MethodConversationsList, ListParams{Limit: 10})
	requireOK(t, resp)
	var convs []ConversationDTO
	require.NoError(t, json.Unmarshal(resp.Payload, &convs))
	require.Len(t, convs, 2)
	assert.Equal(t, "carol", convs[0].OtherUserID)
	assert.Equal(t, "alice:carol", convs[0].Key)
	assert.Equal(t, "bob", convs[1].OtherUserID)
}

func TestWebSocket_ShutdownClosesSessions(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t, ts.addUser(t, "alice"))

	require.NoError(t, ts.gw.Shutdown(t.Context()))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, ts.gw.Registry().Count())
}

func TestWebSocket_ShutdownWhileSubmitting(t *testing.T) {
	ts := newTestServer(t)
	ts.addUser(t, "alice")
	ts.dial(t, ts.addUser(t, "bob"))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Errors are expected once the store closes.
			_, _ = ts.gw.router.Submit(context.Background(), conversation.Sender{UserID: "alice"}, "bob", "hi")
		}
	}()

	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.gw.Shutdown(ctx))

	close(stop)
	<-done
	assert.Equal(t, 0, ts.gw.Registry().Count())
}

func TestWebSocket_ResendIsPushedOnce(t *testing.T) {
	ts := newTestServer(t)
	aliceToken := ts.addUser(t, "alice")
	bobToken := ts.addUser(t, "bob")

	sender := ts.dial(t, aliceToken)
	bob := ts.dial(t, bobToken)

	params := SendParams{ReceiverID: "bob", Body: "did this arrive?", ClientMsgID: "retry-1"}
	first := sender.call(t, MethodMessageSend, params)
	requireOK(t, first)
	second := sender.call(t, MethodMessageSend, params)
	requireOK(t, second)
	assert.Equal(t, decodeMessage(t, first.Payload), decodeMessage(t, second.Payload))

	ev := bob.nextEvent(t)
	assert.Equal(t, "did this arrive?", decodeMessage(t, ev.Payload).Body)

	ts.gw.router.Wait()
	bob.assertNoEvents(t)
}
