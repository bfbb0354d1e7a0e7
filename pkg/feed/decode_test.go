package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	m := &Message{
		Partition: 3,
		Offset:    42,
		Key:       []byte("user-1"),
		Value:     []byte(`{"name":"ada"}`),
		Timestamp: ts,
		Headers:   []Header{{Key: []byte("source"), Value: []byte("web")}},
	}
	rec := Decode(m, true)
	assert.Equal(t, "user-1", rec.Key)
	require.NotNil(t, rec.Payload)
	assert.Equal(t, `{"name":"ada"}`, *rec.Payload)
	assert.Equal(t, int32(3), rec.Partition)
	assert.Equal(t, int64(42), rec.Offset)
	require.NotNil(t, rec.Timestamp)
	assert.Equal(t, int64(1_700_000_000_123), *rec.Timestamp)
	assert.Nil(t, rec.SchemaID)
	require.NotNil(t, rec.Header)
	assert.JSONEq(t, `{"source":"web"}`, *rec.Header)
	assert.Equal(t, m.Size(), rec.RecordBytes)
}

func TestDecodeTombstone(t *testing.T) {
	rec := Decode(&Message{Key: []byte("gone")}, true)
	assert.Nil(t, rec.Payload)
	assert.Nil(t, rec.Timestamp)
	assert.Nil(t, rec.Header)
}

func TestDecodeSchemaFrame(t *testing.T) {
	value := append([]byte{0x00, 0x00, 0x01, 0x86, 0xc5}, []byte("avro")...)

	rec := Decode(&Message{Key: []byte("k"), Value: value}, true)
	require.NotNil(t, rec.SchemaID)
	assert.Equal(t, int32(100037), *rec.SchemaID)
	assert.Equal(t, "avro", *rec.Payload)

	rec = Decode(&Message{Key: []byte("k"), Value: value}, false)
	assert.Nil(t, rec.SchemaID)
	// 0x86 0xc5 is one invalid sequence and collapses into one replacement
	assert.Equal(t, "\x00\x00\x01\uFFFDavro", *rec.Payload)

	// a bare frame without payload is not treated as framed
	rec = Decode(&Message{Key: []byte("k"), Value: value[:5]}, true)
	assert.Nil(t, rec.SchemaID)
}

func TestDecodeInvalidUTF8(t *testing.T) {
	rec := Decode(&Message{Key: []byte{0xff, 'k'}, Value: []byte{'v', 0xfe}}, false)
	assert.Equal(t, "�k", rec.Key)
	assert.Equal(t, "v�", *rec.Payload)
}

type stubDecoder struct {
	err error
	ids []int32
}

func (d *stubDecoder) DecodeValue(_ context.Context, schemaID int32, data []byte) (string, error) {
	d.ids = append(d.ids, schemaID)
	if d.err != nil {
		return "", d.err
	}
	return `{"body":"` + string(data) + `"}`, nil
}

func TestDecodeWithValueDecoder(t *testing.T) {
	framed := append([]byte{0x00, 0x00, 0x00, 0x00, 0x2a}, []byte("avro")...)
	ctx := context.Background()

	vd := &stubDecoder{}
	rec, err := DecodeWith(ctx, &Message{Key: []byte("k"), Value: framed}, true, vd)
	require.NoError(t, err)
	assert.Equal(t, `{"body":"avro"}`, *rec.Payload)
	assert.Equal(t, int32(42), *rec.SchemaID)

	// unframed values and disabled detection bypass the decoder
	_, err = DecodeWith(ctx, &Message{Key: []byte("k"), Value: []byte("plain")}, true, vd)
	require.NoError(t, err)
	_, err = DecodeWith(ctx, &Message{Key: []byte("k"), Value: framed}, false, vd)
	require.NoError(t, err)
	assert.Equal(t, []int32{42}, vd.ids)

	failing := &stubDecoder{err: errors.New("unknown schema")}
	rec, err = DecodeWith(ctx, &Message{Key: []byte("k"), Value: framed}, true, failing)
	require.Error(t, err)
	assert.Equal(t, "avro", *rec.Payload, "a failed decode keeps the value as text")
	assert.Equal(t, int32(42), *rec.SchemaID)
}
