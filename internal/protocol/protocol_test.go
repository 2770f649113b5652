package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncode_OmitsAbsentFields(t *testing.T) {
	b, err := Encode(&Message{RequestId: Str("r1"), Result: Str("ok")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"RequestId":"r1","Result":"ok"}`, string(b))
}

func TestEncode_RejectsNonObjectParams(t *testing.T) {
	_, err := Encode(&Message{Command: Str("add"), Parameters: Params(`[1,2]`)})
	assert.Error(t, err)
}

func TestDecode_GreetRequest(t *testing.T) {
	m, err := Decode([]byte(`{"RequestId":"r1","Command":"greet","Parameters":{"auth":"false"}}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", m.ID())
	assert.Equal(t, CommandGreet, m.CommandName())
	auth, ok := m.Parameters.String("auth")
	require.True(t, ok)
	assert.Equal(t, "false", auth)
}

func TestDecode_UnknownFieldsIgnored(t *testing.T) {
	m, err := Decode([]byte(`{"Command":"heartbeat","Extra":42,"Nested":{"x":1}}`))
	require.NoError(t, err)
	assert.Equal(t, CommandHeartbeat, m.CommandName())
	assert.Nil(t, m.RequestId)
}

func TestDecode_CaseInsensitiveFieldNames(t *testing.T) {
	m, err := Decode([]byte(`{"requestid":"r2","command":"add"}`))
	require.NoError(t, err)
	assert.Equal(t, "r2", m.ID())
	assert.Equal(t, CommandAdd, m.CommandName())
}

func TestDecode_NullParameters(t *testing.T) {
	m, err := Decode([]byte(`{"Command":"greet","Parameters":null}`))
	require.NoError(t, err)
	assert.True(t, m.Parameters.IsZero())
}

func TestDecode_Errors(t *testing.T) {
	cases := map[string]struct {
		payload string
		id      *string
	}{
		"empty":          {payload: ``},
		"not json":       {payload: `hello`},
		"array":          {payload: `[1,2,3]`},
		"truncated":      {payload: `{"RequestId":"r1","Command":`},
		"wrong type":     {payload: `{"RequestId":"r9","Command":7}`, id: Str("r9")},
		"numeric id":     {payload: `{"RequestId":5,"Command":"greet"}`},
		"string literal": {payload: `"greet"`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.payload))
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.NotEmpty(t, de.Reason)
			assert.Equal(t, tc.id, de.RequestID)
		})
	}
}

func TestParams_DecodeRequiresObject(t *testing.T) {
	var ap AddParams
	assert.Error(t, Params(nil).Decode(&ap))
	assert.Error(t, Params(`"x"`).Decode(&ap))
	assert.Error(t, Params(`{"a":"one","b":2}`).Decode(&ap))

	require.NoError(t, Params(`{"a":2,"b":3,"c":9}`).Decode(&ap))
	assert.Equal(t, AddParams{A: 2, B: 3}, ap)
}

func TestParams_String(t *testing.T) {
	p := MustParams(map[string]any{"auth": false, "name": "bob"})
	_, ok := p.String("auth")
	assert.False(t, ok, "boolean is not a string")
	v, ok := p.String("name")
	assert.True(t, ok)
	assert.Equal(t, "bob", v)
	_, ok = Params(`"scalar"`).String("name")
	assert.False(t, ok)
}

func TestNewParams_RejectsNonObject(t *testing.T) {
	_, err := NewParams([]int{1})
	assert.Error(t, err)
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"Command":"heartbeat"}`)))
	require.NoError(t, WriteFrame(&buf, nil))

	p, err := ReadFrame(&buf, 1024)
	require.NoError(t, err)
	assert.Equal(t, `{"Command":"heartbeat"}`, string(p))

	p, err = ReadFrame(&buf, 1024)
	require.NoError(t, err)
	assert.Empty(t, p)

	_, err = ReadFrame(&buf, 1024)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, bytes.Repeat([]byte("x"), 100)))
	_, err := ReadFrame(&buf, 99)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrame_Truncated(t *testing.T) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], 10)
	r := bytes.NewReader(append(hdr[:], []byte("abc")...))
	_, err := ReadFrame(r, 1024)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

// Property-based tests

func genOptString(name string) *rapid.Generator[*string] {
	return rapid.Custom(func(t *rapid.T) *string {
		if !rapid.Bool().Draw(t, name+"_set") {
			return nil
		}
		s := rapid.String().Draw(t, name)
		return &s
	})
}

func TestPropertyCodecRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &Message{
			RequestId: genOptString("id").Draw(t, "id"),
			Command:   genOptString("cmd").Draw(t, "cmd"),
			Result:    genOptString("result").Draw(t, "result"),
			Error:     genOptString("err").Draw(t, "err"),
		}
		if rapid.Bool().Draw(t, "has_params") {
			m.Parameters = MustParams(AddParams{
				A: rapid.Int().Draw(t, "a"),
				B: rapid.Int().Draw(t, "b"),
			})
		}
		b, err := Encode(m)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
		assert.Equal(t, m.RequestId, got.RequestId)
		assert.Equal(t, m.Command, got.Command)
		assert.Equal(t, m.Result, got.Result)
		assert.Equal(t, m.Error, got.Error)
		if m.Parameters == nil {
			assert.True(t, got.Parameters.IsZero())
		} else {
			var want, have AddParams
			require.NoError(t, m.Parameters.Decode(&want))
			require.NoError(t, got.Parameters.Decode(&have))
			assert.Equal(t, want, have)
		}
	})
}

func TestPropertyFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloads := rapid.SliceOf(rapid.SliceOfN(rapid.Byte(), 0, 512)).Draw(t, "payloads")
		var buf bytes.Buffer
		for _, p := range payloads {
			if err := WriteFrame(&buf, p); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
		for i, want := range payloads {
			got, err := ReadFrame(&buf, 512)
			if err != nil {
				t.Fatalf("read %d: %v", i, err)
			}
			if !bytes.Equal(want, got) {
				t.Fatalf("frame %d mismatch", i)
			}
		}
		if _, err := ReadFrame(&buf, 512); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
	})
}
