package btp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Authenticate performs the client side of the opening handshake: the first
// envelope on a new connection carries the shared token and the account
// name, and the peer must acknowledge before any other traffic. Requires
// Serve to be running so the acknowledgement can be routed back.
func (c *Conn) Authenticate(ctx context.Context, username, token string) error {
	env := NewMessage(
		ProtocolData{Name: ProtoAuthToken, ContentType: ContentText, Data: []byte(token)},
		ProtocolData{Name: ProtoAuthUsername, ContentType: ContentText, Data: []byte(username)},
	)
	if _, err := c.Call(ctx, env); err != nil {
		return fmt.Errorf("auth handshake: %w", err)
	}
	return nil
}

// AwaitAuth reads the opening envelope from a just-upgraded websocket and
// validates the shared token, replying with an empty RESPONSE on success.
// Returns the authenticated account name. On failure an ERROR envelope is
// written and the caller must close the socket.
func AwaitAuth(ws *websocket.Conn, secret string, timeout time.Duration) (string, error) {
	ws.SetReadDeadline(time.Now().Add(timeout)) //nolint:errcheck
	defer ws.SetReadDeadline(time.Time{})       //nolint:errcheck

	_, buf, err := ws.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("btp: read auth envelope: %w", err)
	}
	env := &Envelope{}
	if err := json.Unmarshal(buf, env); err != nil {
		return "", rejectAuth(ws, 0, CodeBadRequest, "malformed auth envelope")
	}
	token, _ := env.Protocol(ProtoAuthToken)
	username, _ := env.Protocol(ProtoAuthUsername)
	if env.Type != TypeMessage || len(username) == 0 {
		return "", rejectAuth(ws, env.RequestID, CodeBadRequest, "auth envelope missing credentials")
	}
	if subtle.ConstantTimeCompare(token, []byte(secret)) != 1 {
		return "", rejectAuth(ws, env.RequestID, CodeUnauthorized, "invalid auth token")
	}

	ack, err := json.Marshal(&Envelope{Type: TypeResponse, RequestID: env.RequestID, ProtocolData: []ProtocolData{}})
	if err != nil {
		return "", fmt.Errorf("marshal auth response: %w", err)
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	if err := ws.WriteMessage(websocket.TextMessage, ack); err != nil {
		return "", fmt.Errorf("btp: write auth response: %w", err)
	}
	return string(username), nil
}

func rejectAuth(ws *websocket.Conn, requestID uint32, code, msg string) error {
	out, err := json.Marshal(&Envelope{
		Type:         TypeError,
		RequestID:    requestID,
		ProtocolData: []ProtocolData{},
		Error:        &ErrorData{Code: code, Message: msg},
	})
	if err == nil {
		ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
		ws.WriteMessage(websocket.TextMessage, out)    //nolint:errcheck
	}
	return fmt.Errorf("btp: %s", msg)
}
