// Package protocol defines the built-in wire messages both roles know.
// Handler routing hashes the fully-qualified type name, so peers must
// share these definitions rather than declare look-alike local types.
package protocol

// Ping measures round-trip time. Sent on the unreliable class when the
// transport offers one; loss is acceptable, the next ping supersedes it.
type Ping struct {
	Seq      uint64 `json:"seq"`
	SentUnix int64  `json:"sent_unix_ms"`
}

// Pong echoes a Ping back with the responder's clock attached.
type Pong struct {
	Seq       uint64 `json:"seq"`
	SentUnix  int64  `json:"sent_unix_ms"`
	ReplyUnix int64  `json:"reply_unix_ms"`
}

// Echo is the demo chat payload: the server broadcasts every Echo it
// receives to all connected peers as an EchoReply.
type Echo struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// EchoReply carries a broadcast Echo back out, stamped by the server.
type EchoReply struct {
	From     string `json:"from"`
	Text     string `json:"text"`
	ServerAt int64  `json:"server_at_unix_ms"`
}
