// Package protocol defines the symmetric JSON wire format spoken over the
// persistent scanner connection. Both sides exchange a single envelope type;
// the Kind field selects which other fields are meaningful.
//
// Client to server: START_SESSION, END_SESSION, SCAN_TAG, PING.
// Server to client: SESSION_STARTED, SESSION_ENDED, TAG_RESULT, ERROR, PONG.
//
// Unknown kinds and malformed payloads are answered with an ERROR message and
// never close the connection.
package protocol

import (
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tagstream/scan"
)

// Kind identifies a wire message type.
type Kind string

const (
	KindStartSession   Kind = "START_SESSION"
	KindEndSession     Kind = "END_SESSION"
	KindScanTag        Kind = "SCAN_TAG"
	KindPing           Kind = "PING"
	KindSessionStarted Kind = "SESSION_STARTED"
	KindSessionEnded   Kind = "SESSION_ENDED"
	KindTagResult      Kind = "TAG_RESULT"
	KindError          Kind = "ERROR"
	KindPong           Kind = "PONG"
)

// ErrMalformed is returned by Decode when the payload is not a parseable
// message. Handlers answer it with a generic "invalid message format" ERROR.
var ErrMalformed = errors.New("protocol: invalid message format")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is the shared envelope. SessionID, Tag, Record and Text are each
// populated only for the kinds that carry them.
type Message struct {
	Kind      Kind         `json:"kind"`
	SessionID string       `json:"sessionId,omitempty"`
	Tag       string       `json:"tag,omitempty"`
	Record    *scan.Record `json:"record,omitempty"`
	Text      string       `json:"message,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// tagResultMessage mirrors Message without omitempty on Record so that a
// failed lookup is encoded as an explicit "record": null rather than an
// absent key. Scanner firmware in the field depends on the key being present.
type tagResultMessage struct {
	Kind      Kind         `json:"kind"`
	SessionID string       `json:"sessionId"`
	Tag       string       `json:"tag"`
	Record    *scan.Record `json:"record"`
	Timestamp int64        `json:"timestamp"`
}

// Now returns the wire timestamp for t: milliseconds since the Unix epoch.
func Now(t time.Time) int64 {
	return t.UnixMilli()
}

// Encode serializes a message for transmission. TAG_RESULT messages take the
// explicit-null path for the record field.
func Encode(m Message) ([]byte, error) {
	if m.Kind == KindTagResult {
		return json.Marshal(tagResultMessage{
			Kind:      m.Kind,
			SessionID: m.SessionID,
			Tag:       m.Tag,
			Record:    m.Record,
			Timestamp: m.Timestamp,
		})
	}
	return json.Marshal(m)
}

// Decode parses a wire payload. A payload that does not parse, or that
// carries no kind at all, yields ErrMalformed.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, ErrMalformed
	}
	if m.Kind == "" {
		return Message{}, ErrMalformed
	}
	return m, nil
}

// StartSession builds the client request that opens (or resumes) a session.
// The session id may be empty to let the server choose one.
func StartSession(sessionID string, at time.Time) Message {
	return Message{Kind: KindStartSession, SessionID: sessionID, Timestamp: Now(at)}
}

// EndSession builds the client request that closes a session.
func EndSession(sessionID string, at time.Time) Message {
	return Message{Kind: KindEndSession, SessionID: sessionID, Timestamp: Now(at)}
}

// ScanTag builds the client message carrying one raw tag value.
func ScanTag(sessionID, tag string, at time.Time) Message {
	return Message{Kind: KindScanTag, SessionID: sessionID, Tag: tag, Timestamp: Now(at)}
}

// Ping builds the client heartbeat message.
func Ping(at time.Time) Message {
	return Message{Kind: KindPing, Timestamp: Now(at)}
}

// SessionStarted builds the server acknowledgement for START_SESSION.
func SessionStarted(sessionID string, at time.Time) Message {
	return Message{Kind: KindSessionStarted, SessionID: sessionID, Timestamp: Now(at)}
}

// SessionEnded builds the server acknowledgement for END_SESSION.
func SessionEnded(sessionID string, at time.Time) Message {
	return Message{Kind: KindSessionEnded, SessionID: sessionID, Timestamp: Now(at)}
}

// TagResult builds the server response for an accepted scan. A nil record
// means the lookup found nothing (or timed out; the two are indistinguishable
// on the wire by design).
func TagResult(sessionID, tag string, record *scan.Record, at time.Time) Message {
	return Message{Kind: KindTagResult, SessionID: sessionID, Tag: tag, Record: record, Timestamp: Now(at)}
}

// Error builds a server-side protocol error. Protocol errors are per-message
// and recoverable; the connection stays open.
func Error(text string, at time.Time) Message {
	return Message{Kind: KindError, Text: text, Timestamp: Now(at)}
}

// Pong builds the heartbeat reply.
func Pong(at time.Time) Message {
	return Message{Kind: KindPong, Timestamp: Now(at)}
}
