package server

import (
	"encoding/json"
	"time"
)

// RelayMessage is the JSON envelope on the message relay endpoint. Clients
// address either a set of users, a room, or (by default) the sender's own
// room; the server stamps the sender before fanning out.
type RelayMessage struct {
	Event string          `json:"event"`
	To    []string        `json:"to,omitempty"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	From  string          `json:"from,omitempty"`
}

// relayLoop reads JSON messages from a relay connection and routes them
// through the hub. Malformed messages tear the connection down.
func (srv *Server) relayLoop(c *Conn) {
	defer srv.messageHub.Remove(c)

	for {
		c.ws.SetReadDeadline(time.Now().Add(srv.cfg.PingInterval + srv.cfg.PingTimeout))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg RelayMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			srv.logger.Warn("malformed relay message", "conn", c.id, "error", err)
			return
		}
		msg.From = c.userID
		out, err := json.Marshal(msg)
		if err != nil {
			srv.logger.Warn("encode relay message", "conn", c.id, "error", err)
			continue
		}

		switch {
		case len(msg.To) > 0:
			srv.messageHub.SendToUsers(msg.To, out)
		case msg.Room != "":
			srv.messageHub.SendToRoom(msg.Room, out)
		default:
			srv.messageHub.SendToRoom(c.roomID, out)
		}
	}
}
