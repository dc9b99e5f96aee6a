package redisrelay

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
)

// envelope is the relay wire format. The event stays JSON so a relayed
// event is byte-for-byte what local clients receive.
type envelope struct {
	Origin string `cbor:"origin"`
	Room   string `cbor:"room,omitempty"`
	Global bool   `cbor:"global,omitempty"`
	Event  []byte `cbor:"event"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: same envelope, same bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("redisrelay: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxByteStringLen: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("redisrelay: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEnvelope(origin string, msg domain.RelayMessage) ([]byte, error) {
	event, err := json.Marshal(msg.Event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return encMode.Marshal(envelope{
		Origin: origin,
		Room:   msg.Room,
		Global: msg.Global,
		Event:  event,
	})
}

func decodeEnvelope(data []byte) (string, domain.RelayMessage, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return "", domain.RelayMessage{}, fmt.Errorf("decode envelope: %w", err)
	}

	var event domain.Event
	if err := json.Unmarshal(env.Event, &event); err != nil {
		return "", domain.RelayMessage{}, fmt.Errorf("decode event: %w", err)
	}

	if !env.Global {
		if _, err := domain.ParseRoom(env.Room); err != nil {
			return "", domain.RelayMessage{}, err
		}
	}

	return env.Origin, domain.RelayMessage{Room: env.Room, Global: env.Global, Event: event}, nil
}
