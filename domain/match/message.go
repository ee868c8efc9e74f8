package match

import "encoding/json"

// ServerName is the reserved sender name for system notices.
const ServerName = "Server"

// Envelope is the wire shape delivered to live connections.
// Content is opaque to this service: game moves are relayed, never interpreted.
type Envelope struct {
	PlayerName string `json:"playerName"`
	Message    string `json:"message"`
}

func ServerNotice(message string) []byte {
	return marshalEnvelope(Envelope{PlayerName: ServerName, Message: message})
}

func PlayerMessage(nickname, message string) []byte {
	return marshalEnvelope(Envelope{PlayerName: nickname, Message: message})
}

func marshalEnvelope(e Envelope) []byte {
	// Two plain string fields, marshalling cannot fail.
	payload, _ := json.Marshal(e)
	return payload
}
