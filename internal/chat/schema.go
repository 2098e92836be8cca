package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// inboundFrameSchema is the shape shared by broadcast frames and history
// records. Numeric ids may arrive as numbers or digit strings.
const inboundFrameSchema = `{
  "type": "object",
  "required": ["id", "sender_id", "content", "timestamp"],
  "properties": {
    "id": {"type": ["integer", "string"], "pattern": "\\S"},
    "sender_id": {
      "type": ["integer", "string"],
      "pattern": "^-?[0-9]+$",
      "not": {"enum": [0, "0"]}
    },
    "receiver_id": {"type": ["integer", "string", "null"], "pattern": "^-?[0-9]+$"},
    "content": {"type": "string"},
    "timestamp": {"type": ["string", "number"], "minLength": 1}
  }
}`

type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	inbound *jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		compiled, err := jsonschema.CompileString("chat_inbound_frame", inboundFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.inbound = compiled
	})
	return frameSchemas.initErr
}

func validateInboundFrame(data []byte) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}
	var payload any
	if err := decodeSingle(data, &payload); err != nil {
		return err
	}
	return frameSchemas.inbound.Validate(payload)
}

// decodeSingle decodes exactly one JSON value; anything after it is an error.
func decodeSingle(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after frame")
	}
	return nil
}
