package server_test

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/testhelpers"
)

// TestRoomListingPushedAfterHandshake verifies that every client first
// receives the names of the rooms that exist when it connects.
func TestRoomListingPushedAfterHandshake(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	_, listing := testhelpers.Dial(t, ts.WSURL)
	assert.Empty(t, listing.Rooms)

	testhelpers.Enter(t, ts.WSURL, server.OperationCreate, "lounge", "A")
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, listing = testhelpers.Dial(t, ts.WSURL)
	assert.Equal(t, []string{"lounge"}, listing.Rooms)
}

// TestLoungeScenario creates a room, joins a second user and checks that a
// message from A reaches both members exactly as recorded in history.
func TestLoungeScenario(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	alice := testhelpers.Enter(t, ts.WSURL, server.OperationCreate, "lounge", "A")
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	bob := testhelpers.Enter(t, ts.WSURL, server.OperationJoin, "lounge", "B")

	room, err := ts.Registry.FetchRoom("lounge")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return room.MemberCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	testhelpers.SendText(t, alice, "hi")

	for _, conn := range []*websocket.Conn{alice, bob} {
		assert.True(t, strings.HasSuffix(testhelpers.ReadText(t, conn), "<A> hi"))
	}
	history := room.GetHistory()
	require.Len(t, history, 1)
	assert.Regexp(t, `^\[\d{2}:\d{2}:\d{2}\]<A> hi$`, history[0])
	assert.ElementsMatch(t, []string{"A", "B"}, room.GetActiveUsers())
}

func TestMessagesFromOneSenderArriveInOrder(t *testing.T) {
	ts := testhelpers.StartServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Burst = 100
	})

	sender := testhelpers.Enter(t, ts.WSURL, server.OperationCreate, "ordered", "sender")
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 20; i++ {
		testhelpers.SendText(t, sender, string(rune('a'+i)))
	}

	room, err := ts.Registry.FetchRoom("ordered")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(room.GetHistory()) == 20 }, 2*time.Second, 10*time.Millisecond)
	for i, entry := range room.GetHistory() {
		assert.True(t, strings.HasSuffix(entry, "<sender> "+string(rune('a'+i))), "entry %d is %q", i, entry)
	}
}

func TestJoinMissingRoomIsProtocolError(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	conn := testhelpers.Enter(t, ts.WSURL, server.OperationJoin, "ghost", "x")

	closeErr := testhelpers.ExpectClose(t, conn, 2*time.Second)
	assert.Equal(t, websocket.CloseProtocolError, closeErr.Code)
	assert.Contains(t, closeErr.Text, "room not found")
	assert.Empty(t, ts.Registry.GetAllRoomNames())
}

func TestInvalidCommandsAreProtocolErrors(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	tests := []struct {
		name    string
		payload string
		reason  string
	}{
		{"malformed json", `{"operation":`, "malformed command"},
		{"unknown operation", `{"operation":"delete","roomName":"r","userName":"u"}`, "unknown operation"},
		{"missing user name", `{"operation":"create","roomName":"r","userName":""}`, "invalid user name"},
		{"missing room name", `{"operation":"create","roomName":"","userName":"u"}`, "invalid room name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _ := testhelpers.Dial(t, ts.WSURL)
			testhelpers.SendText(t, conn, tt.payload)

			closeErr := testhelpers.ExpectClose(t, conn, 2*time.Second)
			assert.Equal(t, websocket.CloseProtocolError, closeErr.Code)
			assert.Contains(t, closeErr.Text, tt.reason)
		})
	}
	assert.Zero(t, ts.Registry.Len())
}

// readOutcome waits for either a close frame or a quiet period on conn.
func readOutcome(conn *websocket.Conn, quiet time.Duration) (*websocket.CloseError, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(quiet))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr, true
		}
		return nil, false
	}
}

// TestConcurrentCreateSameName verifies that exactly one of two sessions
// racing to create the same room wins; the other is closed with an
// already-exists protocol error.
func TestConcurrentCreateSameName(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	first, _ := testhelpers.Dial(t, ts.WSURL)
	second, _ := testhelpers.Dial(t, ts.WSURL)

	var start sync.WaitGroup
	start.Add(1)
	var sent sync.WaitGroup
	for i, conn := range []*websocket.Conn{first, second} {
		sent.Add(1)
		go func() {
			defer sent.Done()
			start.Wait()
			_ = conn.WriteJSON(server.RoomCommand{Operation: server.OperationCreate, RoomName: "contested", UserName: string(rune('A' + i))})
		}()
	}
	start.Done()
	sent.Wait()

	type outcome struct {
		closeErr *websocket.CloseError
		closed   bool
	}
	outcomes := make([]outcome, 2)
	var wg sync.WaitGroup
	for i, conn := range []*websocket.Conn{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			closeErr, closed := readOutcome(conn, time.Second)
			outcomes[i] = outcome{closeErr, closed}
		}()
	}
	wg.Wait()

	closedCount := 0
	for _, o := range outcomes {
		if o.closed {
			closedCount++
			assert.Equal(t, websocket.CloseProtocolError, o.closeErr.Code)
			assert.Contains(t, o.closeErr.Text, "room already exists")
		}
	}
	assert.Equal(t, 1, closedCount)
	assert.Equal(t, []string{"contested"}, ts.Registry.GetAllRoomNames())
}

func TestRoomUnregisteredAfterLastMemberLeaves(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	alice := testhelpers.Enter(t, ts.WSURL, server.OperationCreate, "transient", "alice")
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	bob := testhelpers.Enter(t, ts.WSURL, server.OperationJoin, "transient", "bob")

	room, err := ts.Registry.FetchRoom("transient")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return room.MemberCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, testhelpers.CloseWebSocket(alice))
	require.Eventually(t, func() bool { return room.MemberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"transient"}, ts.Registry.GetAllRoomNames())

	require.NoError(t, testhelpers.CloseWebSocket(bob))
	require.Eventually(t, func() bool {
		return len(ts.Registry.GetAllRoomNames()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The name is free for a new room.
	testhelpers.Enter(t, ts.WSURL, server.OperationCreate, "transient", "carol")
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDepartedMemberStopsReceiving(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	alice := testhelpers.Enter(t, ts.WSURL, server.OperationCreate, "lounge", "alice")
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	bob := testhelpers.Enter(t, ts.WSURL, server.OperationJoin, "lounge", "bob")

	room, err := ts.Registry.FetchRoom("lounge")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return room.MemberCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return room.MemberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	testhelpers.SendText(t, alice, "anyone?")
	assert.True(t, strings.HasSuffix(testhelpers.ReadText(t, alice), "<alice> anyone?"))
	assert.Equal(t, []string{"alice"}, room.GetActiveUsers())
}

func TestBlankMessagesAreIgnored(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	conn := testhelpers.Enter(t, ts.WSURL, server.OperationCreate, "quiet", "alice")
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	testhelpers.SendText(t, conn, "   ")
	testhelpers.SendText(t, conn, "visible")

	assert.True(t, strings.HasSuffix(testhelpers.ReadText(t, conn), "<alice> visible"))
	room, err := ts.Registry.FetchRoom("quiet")
	require.NoError(t, err)
	assert.Len(t, room.GetHistory(), 1)
}

func TestRateLimitDiscardsExcessMessages(t *testing.T) {
	ts := testhelpers.StartServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Burst = 2
		cfg.RateLimit.RefillInterval = time.Hour
	})

	conn := testhelpers.Enter(t, ts.WSURL, server.OperationCreate, "busy", "spammer")
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		testhelpers.SendText(t, conn, "spam")
	}

	testhelpers.ReadText(t, conn)
	testhelpers.ReadText(t, conn)
	testhelpers.ExpectNoMessage(t, conn, 300*time.Millisecond)

	room, err := ts.Registry.FetchRoom("busy")
	require.NoError(t, err)
	assert.Len(t, room.GetHistory(), 2)
}

func TestOversizedMessageClosesSession(t *testing.T) {
	ts := testhelpers.StartServer(t, func(cfg *config.Config) {
		cfg.MaxMessageSize = 64
	})

	conn := testhelpers.Enter(t, ts.WSURL, server.OperationCreate, "tiny", "alice")
	require.Eventually(t, func() bool { return ts.Registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	testhelpers.SendText(t, conn, strings.Repeat("x", 1024))

	closeErr := testhelpers.ExpectClose(t, conn, 2*time.Second)
	assert.Equal(t, websocket.CloseMessageTooBig, closeErr.Code)
	require.Eventually(t, func() bool { return ts.Registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRoomListingIsValidJSON(t *testing.T) {
	ts := testhelpers.StartServer(t, nil)

	conn, _, err := testhelpers.ConnectWebSocket(ts.WSURL, "")
	require.NoError(t, err)
	defer conn.Close()

	raw := testhelpers.ReadText(t, conn)
	var generic map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &generic))
	assert.Contains(t, generic, "rooms")
}
