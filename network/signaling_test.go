package network

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinRoom(t *testing.T, env *testEnv, room, code string) (*websocket.Conn, string) {
	t.Helper()
	c := env.dial(t, "/ws/pair/"+room)
	send(t, c, SignalRegisterMessage{Type: TypeRegister, Code: code})
	reply := recv(t, c)
	require.Equal(t, TypeRegistered, reply["type"], reply)
	return c, reply["code"].(string)
}

func TestSignalReachesOnlyTarget(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	a, codeA := joinRoom(t, env, "lobby", "")
	b, codeB := joinRoom(t, env, "lobby", "")
	c, _ := joinRoom(t, env, "lobby", "")
	assert.NotEqual(t, codeA, codeB)

	send(t, a, SignalMessage{Type: TypeSignal, Target: codeB, Payload: json.RawMessage(`{"sdp":"offer"}`)})
	got := recv(t, b)
	assert.Equal(t, TypeSignal, got["type"])
	assert.Equal(t, codeA, got["from"])
	assert.Equal(t, map[string]any{"sdp": "offer"}, got["payload"])

	// c must see nothing.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := c.Read(ctx)
	assert.Error(t, err)
}

func TestSignalErrors(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	a, _ := joinRoom(t, env, "room-2", "")

	send(t, a, SignalMessage{Type: TypeSignal, Target: "ZZZZZZZZ", Payload: json.RawMessage(`{}`)})
	reply := recv(t, a)
	assert.Equal(t, "not_found", reply["code"])

	send(t, a, map[string]any{"type": "chunk_request"})
	reply = recv(t, a)
	assert.Equal(t, CodeUnknownType, reply["code"])

	fresh := env.dial(t, "/ws/pair/room-2")
	send(t, fresh, SignalMessage{Type: TypeSignal, Target: "ZZZZZZZZ", Payload: json.RawMessage(`{}`)})
	reply = recv(t, fresh)
	assert.Equal(t, "auth", reply["code"])
}

func TestSignalCodeTakenAcrossConnections(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	joinRoom(t, env, "pairing", "ABCDEFGH")

	other := env.dial(t, "/ws/pair/pairing")
	send(t, other, SignalRegisterMessage{Type: TypeRegister, Code: "ABCDEFGH"})
	reply := recv(t, other)
	assert.Equal(t, "auth", reply["code"])

	// Same code in another room is independent.
	joinRoom(t, env, "elsewhere", "ABCDEFGH")
}

func TestSignalInvalidRoomRejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + env.srv.URL[len("http"):] + "/ws/pair/bad.room"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}
