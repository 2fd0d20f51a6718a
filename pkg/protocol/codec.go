package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// CBORSubprotocol is the websocket subprotocol that selects binary CBOR
// frames. Connections without it exchange JSON text frames.
const CBORSubprotocol = "cbor"

// Codec turns frames into websocket messages and back.
type Codec interface {
	Name() string
	MessageType() int
	Encode(frame Frame) ([]byte, error)
	Decode(data []byte) (Frame, error)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) Encode(frame Frame) ([]byte, error) { return json.Marshal(frame) }

func (jsonCodec) Decode(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("failed to decode json frame: %w", err)
	}
	return frame, nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec
)

func init() {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	// Document state is decoded into any, which must come out as the same
	// map[string]any shape the JSON codec produces.
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
	CBOR = cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return CBORSubprotocol }

func (cborCodec) MessageType() int { return websocket.BinaryMessage }

func (c cborCodec) Encode(frame Frame) ([]byte, error) { return c.enc.Marshal(frame) }

func (c cborCodec) Decode(data []byte) (Frame, error) {
	var frame Frame
	if err := c.dec.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("failed to decode cbor frame: %w", err)
	}
	return frame, nil
}

// ForSubprotocol picks the codec negotiated for a connection.
func ForSubprotocol(subprotocol string) Codec {
	if subprotocol == CBORSubprotocol {
		return CBOR
	}
	return JSON
}
