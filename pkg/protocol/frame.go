// Package protocol defines the frames exchanged with project clients over a
// websocket and the connection pump that moves them.
//
// A request carries a non-zero Seq and is answered by exactly one "ack"
// frame with the same Seq. Broadcasts carry no Seq.
package protocol

import (
	"fmt"
	"strings"
)

// AckEvent is the event name of every request acknowledgement.
const AckEvent = "ack"

type Frame struct {
	Event string `json:"event" cbor:"event"`
	Seq   uint64 `json:"seq,omitempty" cbor:"seq,omitempty"`
	Args  []any  `json:"args,omitempty" cbor:"args,omitempty"`
	Error string `json:"error,omitempty" cbor:"error,omitempty"`
}

func Request(seq uint64, event string, args ...any) Frame {
	return Frame{Event: event, Seq: seq, Args: args}
}

func Ack(seq uint64, args ...any) Frame {
	return Frame{Event: AckEvent, Seq: seq, Args: args}
}

func Nack(seq uint64, err error) Frame {
	return Frame{Event: AckEvent, Seq: seq, Error: err.Error()}
}

func Broadcast(event string, args ...any) Frame {
	return Frame{Event: event, Args: args}
}

// SplitEvent splits "command:endpoint" events. Events without a colon are
// returned as the command with an empty endpoint.
func SplitEvent(event string) (command, endpoint string) {
	command, endpoint, _ = strings.Cut(event, ":")
	return command, endpoint
}

func JoinEvent(command, endpoint string) string {
	return command + ":" + endpoint
}

func (f Frame) String() string {
	if f.Error != "" {
		return fmt.Sprintf("%s#%d error=%q", f.Event, f.Seq, f.Error)
	}
	return fmt.Sprintf("%s#%d %v", f.Event, f.Seq, f.Args)
}
