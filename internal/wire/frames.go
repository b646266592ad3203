// Package wire defines the server-to-client frames sent over the duplex channel.
//
// Frames are JSON objects discriminated by a "type" field. Timestamps are unix
// seconds with fractional precision, matching what clients already parse.
package wire

const (
	TypePing       = "ping"
	TypeQueuedPing = "queued_ping"
	TypeClientList = "clientlist"
)

// Ping is a live delivery: the target was online when the sender pinged.
type Ping struct {
	Type string  `json:"type"`
	From string  `json:"from"`
	TS   float64 `json:"ts"`
}

// QueuedPing is a replayed delivery of a ping that was queued while the
// target was offline. ID is the durable record identifier; replay order
// follows ID order.
type QueuedPing struct {
	Type string  `json:"type"`
	From string  `json:"from"`
	To   string  `json:"to"`
	TS   float64 `json:"ts"`
	ID   int64   `json:"id"`
}

// ClientList is a full presence snapshot, broadcast whenever a client
// registers. It is a snapshot, not a diff.
type ClientList struct {
	Type    string   `json:"type"`
	Clients []string `json:"clients"`
}

func NewPing(from string, ts float64) Ping {
	return Ping{Type: TypePing, From: from, TS: ts}
}

func NewQueuedPing(from, to string, ts float64, id int64) QueuedPing {
	return QueuedPing{Type: TypeQueuedPing, From: from, To: to, TS: ts, ID: id}
}

func NewClientList(clients []string) ClientList {
	return ClientList{Type: TypeClientList, Clients: clients}
}
