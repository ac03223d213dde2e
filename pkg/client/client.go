// Package client is a Go client for the sightline signaling protocol,
// used by the bundled examples and by integration tests.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/segmentio/ksuid"

	cidpkg "sightline/internal/cid"
	"sightline/pkg/protocol"
)

// Client is one websocket connection to the server.
type Client struct {
	conn      *websocket.Conn
	config    Config
	connected bool
	handler   EventHandler
}

func New(config Config) *Client {
	if config.UserID == "" {
		config.UserID = ksuid.New().String()
	}
	if config.UserAgent == "" {
		config.UserAgent = "sightline-client/0.1.0"
	}
	return &Client{config: config, handler: NopHandler{}}
}

// SetEventHandler replaces the event handler; call before Listen.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

func (c *Client) UserID() string { return c.config.UserID }

func (c *Client) IsConnected() bool { return c.connected }

// Connect dials the server and announces the configured identity.
func (c *Client) Connect(ctx context.Context) error {
	headers := map[string][]string{"User-Agent": {c.config.UserAgent}}
	cidpkg.AddHeaderFromContext(headers, ctx)

	conn, _, err := websocket.Dial(ctx, c.config.ServerURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	c.conn = conn
	c.connected = true
	c.handler.OnConnected()

	return c.Join(ctx)
}

// Join (re)announces the identity; the server treats a join matching a
// live session as a reconnection.
func (c *Client) Join(ctx context.Context) error {
	return c.sendEvent(ctx, protocol.TypeJoin, protocol.Join{
		ID:          c.config.UserID,
		Name:        c.config.Name,
		Role:        c.config.Role,
		Language:    c.config.Language,
		IsAvailable: c.config.IsAvailable,
	})
}

// Disconnect closes the connection.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	c.connected = false
	err := c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	c.handler.OnDisconnected()
	return err
}

// StartCall requests a volunteer (VI users only).
func (c *Client) StartCall(ctx context.Context) error {
	return c.sendEvent(ctx, protocol.TypeStartCall, struct{}{})
}

// AcceptCall claims a waiting call (volunteers only).
func (c *Client) AcceptCall(ctx context.Context, callID string) error {
	return c.sendEvent(ctx, protocol.TypeAcceptCall, protocol.CallRef{CallID: callID})
}

// CancelCall withdraws a waiting call before acceptance.
func (c *Client) CancelCall(ctx context.Context, callID string) error {
	return c.sendEvent(ctx, protocol.TypeCancelCall, protocol.CallRef{CallID: callID})
}

// EndCall terminates an active call.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	return c.sendEvent(ctx, protocol.TypeEndCall, protocol.CallRef{CallID: callID})
}

// UpdateAvailability toggles the volunteer pool entry.
func (c *Client) UpdateAvailability(ctx context.Context, isAvailable bool) error {
	return c.sendEvent(ctx, protocol.TypeUpdateAvailability, protocol.UpdateAvailability{
		IsAvailable: isAvailable,
	})
}

// JoinRoom joins a known call room, as a call page does after reload.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.sendEvent(ctx, protocol.TypeJoinRoom, protocol.JoinRoom{RoomID: roomID})
}

// SendSignal relays an opaque WebRTC payload to the rest of the room.
// msgType is one of offer, answer or ice-candidate.
func (c *Client) SendSignal(ctx context.Context, msgType, roomID string, payload json.RawMessage) error {
	return c.sendEvent(ctx, msgType, protocol.Signal{RoomID: roomID, Payload: payload})
}

// PeerReady signals readiness for the WebRTC handshake.
func (c *Client) PeerReady(ctx context.Context, roomID string) error {
	return c.sendEvent(ctx, protocol.TypePeerReady, protocol.Signal{
		RoomID: roomID,
		Role:   c.config.Role,
	})
}

// Listen reads server events until the context ends or the connection
// drops, dispatching to the event handler.
func (c *Client) Listen(ctx context.Context) error {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			c.connected = false
			return fmt.Errorf("read error: %w", err)
		}
		c.handleServerEvent(env)
	}
}

func (c *Client) sendEvent(ctx context.Context, msgType string, payload any) error {
	if !c.connected {
		return fmt.Errorf("client not connected")
	}
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msgType, err)
	}
	return wsjson.Write(ctx, c.conn, env)
}

func (c *Client) handleServerEvent(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCallWaiting:
		var p protocol.CallWaiting
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnCallWaiting(p.CallID, p.AvailableVolunteers)
		}
	case protocol.TypeCallFailed:
		var p protocol.CallFailed
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnCallFailed(p.Error)
		}
	case protocol.TypeIncomingCall:
		var p protocol.IncomingCall
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnIncomingCall(p.CallID, p.VIUser.Name, p.VIUser.Language)
		}
	case protocol.TypeCallConnected:
		var p protocol.CallConnected
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnCallConnected(p.CallID, p.RoomID)
		}
	case protocol.TypeCallTaken:
		var p protocol.CallRef
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnCallTaken(p.CallID)
		}
	case protocol.TypeCallEnded:
		var p protocol.CallEnded
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnCallEnded(p.CallID, p.Duration, p.Reason)
		}
	case protocol.TypeUserReconnected:
		var p protocol.UserReconnected
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnUserReconnected(p.UserID, p.UserName)
		}
	case protocol.TypeCreateOffer:
		var p protocol.CreateOffer
		if json.Unmarshal(env.Data, &p) == nil {
			c.handler.OnCreateOffer(p.RoomID)
		}
	default:
		c.handler.OnServerEvent(env.Type, env.Data)
	}
}
