package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/1ureka/peerlink/internal/failure"
)

// envelope is the JSON shape of every text frame.
type envelope struct {
	Command Kind            `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Encode serializes a Command into the frame that carries it. Chunk becomes a
// binary frame; everything else becomes a JSON text frame.
func Encode(cmd Command) (Frame, error) {
	if c, ok := cmd.(Chunk); ok {
		return Frame{Data: []byte(c)}, nil
	}

	var payload any = cmd
	switch cmd.(type) {
	case SpeedAck, FileCancel, FileSending:
		payload = true
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", cmd.Kind(), err)
	}

	raw, err := json.Marshal(envelope{Command: cmd.Kind(), Data: data})
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", cmd.Kind(), err)
	}
	return Frame{Data: raw, IsText: true}, nil
}

// Decode classifies a frame. A binary frame is always a Chunk candidate; a
// text frame must parse as a known command. Anything else is reported as a
// MALFORMED_MESSAGE failure and never panics.
func Decode(f Frame) (Command, error) {
	if !f.IsText {
		buf := make([]byte, len(f.Data))
		copy(buf, f.Data)
		return Chunk(buf), nil
	}

	var env envelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		return nil, failure.New(failure.CodeMalformedMessage, "decode", err)
	}

	cmd, err := decodePayload(env)
	if err != nil {
		return nil, failure.New(failure.CodeMalformedMessage, "decode "+string(env.Command), err)
	}
	return cmd, nil
}

// decodePayload maps the envelope's kind to its concrete type.
func decodePayload(env envelope) (Command, error) {
	switch env.Command {
	case KindPing:
		return decodeAs[Ping](env.Data)
	case KindPong:
		return decodeAs[Pong](env.Data)
	case KindTimeSync:
		return decodeAs[TimeSync](env.Data)
	case KindTimeSyncResponse:
		return decodeAs[TimeSyncResponse](env.Data)
	case KindTimeSyncResult:
		return decodeAs[TimeSyncResult](env.Data)
	case KindSpeedTest:
		// Go peers send base64; browser peers send an index-keyed object.
		// Only the size matters, so keep whatever arrived.
		var v []byte
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return SpeedTest(env.Data), nil
		}
		return SpeedTest(v), nil
	case KindSpeedAck:
		return SpeedAck{}, nil
	case KindSpeedResult:
		return decodeAs[SpeedResult](env.Data)
	case KindFilePrepared:
		return decodeAs[FilePrepared](env.Data)
	case KindFileCancel:
		return FileCancel{}, nil
	case KindFileSending:
		return FileSending{}, nil
	case KindFilePacket:
		return decodeAs[FilePacket](env.Data)
	case KindFileFinished:
		return decodeAs[FileFinished](env.Data)
	case KindMessage:
		return decodeAs[Message](env.Data)
	case "":
		return nil, errors.New("missing command")
	default:
		return nil, fmt.Errorf("unknown command %q", env.Command)
	}
}

func decodeAs[T Command](data json.RawMessage) (Command, error) {
	if len(data) == 0 {
		return nil, errors.New("missing data")
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
