// Package wire implements the binary feed protocol: a fixed schema of
// per-instrument field groups plus control requests for subscribe and
// unsubscribe. Decoding is pure and allocation-only; the schema itself is
// loaded once, lazily, for the process lifetime.
package wire

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"smartfeed/models"
)

const protocolVersion byte = 1

// MessageType discriminates the two frame families on the wire.
type MessageType uint8

const (
	MessageRequest MessageType = 1
	MessageFeed    MessageType = 2
)

// Operation is the control request verb.
type Operation uint8

const (
	OpSubscribe   Operation = 1
	OpUnsubscribe Operation = 2
)

func (o Operation) String() string {
	switch o {
	case OpSubscribe:
		return "sub"
	case OpUnsubscribe:
		return "unsub"
	default:
		return "unknown"
	}
}

// Mode selects how much detail the feed sends per subscribed instrument.
type Mode uint8

const (
	ModeLTPC    Mode = 1
	ModeFull    Mode = 2
	ModeFullD30 Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeLTPC:
		return "ltpc"
	case ModeFull:
		return "full"
	case ModeFullD30:
		return "full_d30"
	default:
		return "unknown"
	}
}

// ParseMode maps a configured mode name to its wire value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "ltpc":
		return ModeLTPC, nil
	case "full":
		return ModeFull, nil
	case "full_d30":
		return ModeFullD30, nil
	default:
		return 0, fmt.Errorf("unknown feed mode %q", s)
	}
}

// Request is a decoded subscribe/unsubscribe control frame.
type Request struct {
	CorrelationID  uuid.UUID
	Op             Operation
	Mode           Mode
	InstrumentKeys []string
}

// Message is the decoded form of one inbound frame: either a control request
// echo or a map of per-instrument feed fragments.
type Message struct {
	Type    MessageType
	Request *Request
	Feeds   map[string]models.Fragment
}

// DecodeError reports a malformed inbound message. The message is dropped
// and the connection continues.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "decode feed message: " + e.Reason }

// EncodeError reports a programmer error on the encoding side, such as an
// empty instrument key list. It is never produced by normal operation.
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string { return "encode feed request: " + e.Reason }

// EncodeRequest builds a subscribe/unsubscribe control frame for the given
// keys. Keys are normalized before encoding. Fails only on programmer error.
func EncodeRequest(op Operation, mode Mode, keys []string) ([]byte, error) {
	if err := LoadSchema(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, &EncodeError{Reason: "empty instrument key list"}
	}
	if op != OpSubscribe && op != OpUnsubscribe {
		return nil, &EncodeError{Reason: fmt.Sprintf("invalid operation %d", op)}
	}
	if mode.String() == "unknown" {
		return nil, &EncodeError{Reason: fmt.Sprintf("invalid mode %d", mode)}
	}

	id := uuid.New()
	w := &byteWriter{buf: make([]byte, 0, 32+len(keys)*24)}
	w.u8(protocolVersion)
	w.u8(uint8(MessageRequest))
	w.raw(id[:])
	w.u8(uint8(op))
	w.u8(uint8(mode))
	w.u16(uint16(len(keys)))
	for _, key := range keys {
		w.str(models.NormalizeInstrumentKey(key))
	}
	return w.buf, nil
}

// EncodeFeed serializes per-instrument fragments into a feed data frame.
// Instruments are written in sorted key order so output is deterministic.
func EncodeFeed(feeds map[string]models.Fragment) ([]byte, error) {
	if err := LoadSchema(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(feeds))
	for key := range feeds {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	w := &byteWriter{buf: make([]byte, 0, 64*len(feeds))}
	w.u8(protocolVersion)
	w.u8(uint8(MessageFeed))
	w.u16(uint16(len(keys)))
	for _, key := range keys {
		frag := feeds[key]
		if frag.Fields&^schemaMask != 0 {
			return nil, &EncodeError{Reason: fmt.Sprintf("fragment for %s has unknown field bits %#x", key, frag.Fields&^schemaMask)}
		}
		w.str(models.NormalizeInstrumentKey(key))
		w.u8(uint8(frag.Kind))
		w.u32(uint32(frag.Fields))
		for _, spec := range fieldTable {
			if frag.Fields.Has(spec.bit) {
				spec.enc(w, &frag)
			}
		}
	}
	return w.buf, nil
}

// Decode parses one inbound frame. It performs no I/O and holds no locks;
// malformed input yields a *DecodeError.
func Decode(data []byte) (*Message, error) {
	if err := LoadSchema(); err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, &DecodeError{Reason: "message too short"}
	}
	if data[0] != protocolVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported protocol version %d", data[0])}
	}
	r := &byteReader{buf: data, off: 2}
	switch MessageType(data[1]) {
	case MessageRequest:
		return decodeRequest(r)
	case MessageFeed:
		return decodeFeed(r)
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown message type %d", data[1])}
	}
}

func decodeRequest(r *byteReader) (*Message, error) {
	idBytes := r.take(16)
	if idBytes == nil {
		return nil, &DecodeError{Reason: "truncated correlation id"}
	}
	id, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid correlation id"}
	}
	op := Operation(r.u8())
	mode := Mode(r.u8())
	count := int(r.u16())
	keys := make([]string, 0, count)
	for i := 0; i < count; i++ {
		keys = append(keys, models.NormalizeInstrumentKey(r.str()))
	}
	if r.failed {
		return nil, &DecodeError{Reason: "truncated request"}
	}
	if r.remaining() != 0 {
		return nil, &DecodeError{Reason: "trailing bytes after request"}
	}
	if op != OpSubscribe && op != OpUnsubscribe {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid operation %d", op)}
	}
	if mode.String() == "unknown" {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid mode %d", mode)}
	}
	return &Message{
		Type:    MessageRequest,
		Request: &Request{CorrelationID: id, Op: op, Mode: mode, InstrumentKeys: keys},
	}, nil
}

func decodeFeed(r *byteReader) (*Message, error) {
	count := int(r.u16())
	feeds := make(map[string]models.Fragment, count)
	for i := 0; i < count; i++ {
		key := models.NormalizeInstrumentKey(r.str())
		frag := models.Fragment{
			Kind:   models.FeedKind(r.u8()),
			Fields: models.FieldSet(r.u32()),
		}
		if r.failed {
			return nil, &DecodeError{Reason: "truncated feed header"}
		}
		if frag.Kind.String() == "unknown" {
			return nil, &DecodeError{Reason: fmt.Sprintf("feed %s: unknown fragment kind %d", key, frag.Kind)}
		}
		if frag.Fields&^schemaMask != 0 {
			return nil, &DecodeError{Reason: fmt.Sprintf("feed %s: unknown field bits %#x", key, frag.Fields&^schemaMask)}
		}
		for _, spec := range fieldTable {
			if frag.Fields.Has(spec.bit) {
				spec.dec(r, &frag)
			}
		}
		if r.failed {
			return nil, &DecodeError{Reason: fmt.Sprintf("feed %s: truncated payload", key)}
		}
		feeds[key] = frag
	}
	if r.remaining() != 0 {
		return nil, &DecodeError{Reason: "trailing bytes after feeds"}
	}
	return &Message{Type: MessageFeed, Feeds: feeds}, nil
}
