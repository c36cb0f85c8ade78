package vibesync

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// --- Wire Protocol ---

// Channel names multiplexed over one realtime connection.
type Channel string

const (
	ChannelSync     Channel = "sync"
	ChannelPresence Channel = "presence"
)

// Envelope is the unit of realtime traffic. Exactly one payload field is
// set, matching the channel.
type Envelope struct {
	Channel  Channel        `json:"channel" msgpack:"channel"`
	Sync     *SyncEvent     `json:"sync,omitempty" msgpack:"sync,omitempty"`
	Presence *PresenceEvent `json:"presence,omitempty" msgpack:"presence,omitempty"`
}

// Validate checks that the envelope carries the payload its channel names.
func (e *Envelope) Validate() error {
	switch e.Channel {
	case ChannelSync:
		if e.Sync == nil {
			return fmt.Errorf("%w: sync channel without sync payload", ErrInvalidEnvelope)
		}
	case ChannelPresence:
		if e.Presence == nil {
			return fmt.Errorf("%w: presence channel without presence payload", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidEnvelope, e.Channel)
	}
	return nil
}

// WireCodec serializes envelopes for the realtime transport.
type WireCodec interface {
	// Name is the codec's wire name, sent during the handshake.
	Name() string
	// Binary reports whether frames should use the binary message type.
	Binary() bool
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte, env *Envelope) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(env *Envelope) ([]byte, error) { return json.Marshal(env) }
func (jsonCodec) Unmarshal(data []byte, env *Envelope) error {
	return json.Unmarshal(data, env)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Marshal(env *Envelope) ([]byte, error) { return msgpack.Marshal(env) }
func (msgpackCodec) Unmarshal(data []byte, env *Envelope) error {
	return msgpack.Unmarshal(data, env)
}

// Wire codecs.
var (
	// JSONCodec is human-readable and easy to debug.
	JSONCodec WireCodec = jsonCodec{}
	// MsgpackCodec is compact, for bandwidth-sensitive deployments.
	MsgpackCodec WireCodec = msgpackCodec{}
)

// CodecByName returns the codec registered under name.
func CodecByName(name string) (WireCodec, error) {
	switch name {
	case "", "json":
		return JSONCodec, nil
	case "msgpack":
		return MsgpackCodec, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
