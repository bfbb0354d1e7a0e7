package feed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/edgeflare/topicstore/pkg/store"
)

// magicByte prefixes values framed with a schema registry id.
const magicByte = 0x00

// ValueDecoder turns the body of a schema framed value into text, usually
// JSON.
type ValueDecoder interface {
	DecodeValue(ctx context.Context, schemaID int32, data []byte) (string, error)
}

// DecoderSource is implemented by feeds whose cluster has a schema registry.
// ValueDecoder returns nil when none is configured.
type DecoderSource interface {
	ValueDecoder() ValueDecoder
}

// Decode converts m into a store record. With detectSchemaID, a value framed
// as magic byte + 4 byte big-endian schema id has the id recorded and the
// frame stripped. Keys and values are converted to text, replacing invalid
// UTF-8. A nil value is kept as a tombstone.
func Decode(m *Message, detectSchemaID bool) store.Record {
	rec, _ := DecodeWith(context.Background(), m, detectSchemaID, nil)
	return rec
}

// DecodeWith is Decode with framed values passed through vd. When vd fails
// the value is stored as text and the error returned next to the record.
func DecodeWith(ctx context.Context, m *Message, detectSchemaID bool, vd ValueDecoder) (store.Record, error) {
	rec := store.Record{
		Key:         toText(m.Key),
		Partition:   m.Partition,
		Offset:      m.Offset,
		RecordBytes: m.Size(),
	}
	if !m.Timestamp.IsZero() {
		ts := m.Timestamp.UnixMilli()
		rec.Timestamp = &ts
	}

	var decodeErr error
	if m.Value != nil {
		value := m.Value
		framed := detectSchemaID && len(value) > 5 && value[0] == magicByte
		if framed {
			id := int32(binary.BigEndian.Uint32(value[1:5]))
			rec.SchemaID = &id
			value = value[5:]
		}
		payload := ""
		if framed && vd != nil {
			payload, decodeErr = vd.DecodeValue(ctx, *rec.SchemaID, value)
		}
		if !framed || vd == nil || decodeErr != nil {
			payload = toText(value)
		}
		rec.Payload = &payload
	}

	if len(m.Headers) > 0 {
		headers := make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			headers[toText(h.Key)] = toText(h.Value)
		}
		if b, err := json.Marshal(headers); err == nil {
			header := string(b)
			rec.Header = &header
		}
	}
	return rec, decodeErr
}

func toText(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
