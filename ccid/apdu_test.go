package ccid

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestParseAPDU(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = byte(i)
	}
	extended := append([]byte{0x00, 0xDA, 0x01, 0x02, 0x00, 0x01, 0x2C}, long...)

	tests := []struct {
		name string
		raw  []byte
		want APDU
	}{
		{"case 1", []byte{0x00, 0xA4, 0x04, 0x00}, APDU{INS: 0xA4, P1: 0x04}},
		{"case 2 short", []byte{0x00, 0xCA, 0x00, 0x01, 0x10}, APDU{INS: 0xCA, P2: 0x01, Le: 16}},
		{"case 2 short Le zero", []byte{0x00, 0xC0, 0x00, 0x00, 0x00}, APDU{INS: 0xC0, Le: 256}},
		{"case 3 short", []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0xA0, 0x00}, APDU{INS: 0xA4, P1: 0x04, Data: []byte{0xA0, 0x00}}},
		{"case 4 short", []byte{0x80, 0x62, 0x00, 0x00, 0x01, 0x7F, 0x00}, APDU{CLA: 0x80, INS: 0x62, Data: []byte{0x7F}, Le: 256}},
		{"case 2 extended", []byte{0x00, 0xCA, 0x00, 0x00, 0x00, 0x01, 0x00}, APDU{INS: 0xCA, Le: 256, Extended: true}},
		{"case 2 extended Le zero", []byte{0x00, 0xCA, 0x00, 0x00, 0x00, 0x00, 0x00}, APDU{INS: 0xCA, Le: 65536, Extended: true}},
		{"case 3 extended", extended, APDU{INS: 0xDA, P1: 0x01, P2: 0x02, Data: long, Extended: true}},
		{"case 4 extended", append(append([]byte(nil), extended...), 0x00, 0x00), APDU{INS: 0xDA, P1: 0x01, P2: 0x02, Data: long, Le: 65536, Extended: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAPDU(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.want, *got)
		})
	}
}

func TestParseAPDU_Malformed(t *testing.T) {
	for _, raw := range [][]byte{
		{0x00, 0xA4, 0x04},
		{0x00, 0xA4, 0x04, 0x00, 0x05, 0x01},
		{0x00, 0xA4, 0x04, 0x00, 0x01, 0x01, 0x00, 0x00},
		{0x00, 0xA4, 0x04, 0x00, 0x00, 0x01},
		{0x00, 0xA4, 0x04, 0x00, 0x00, 0x00, 0x04, 0x01},
	} {
		_, err := ParseAPDU(raw)
		require.ErrorIs(t, err, ErrMalformedAPDU, "% X", raw)
	}
}

func TestAPDU_Bytes(t *testing.T) {
	short := &APDU{INS: 0xA4, P1: 0x04, Data: []byte{0xA0, 0x00}, Le: 256}
	require.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0xA0, 0x00, 0x00}, short.Bytes())

	ext := &APDU{INS: 0xDA, Data: make([]byte, 300)}
	got, err := ParseAPDU(ext.Bytes())
	require.NoError(t, err)
	require.True(t, got.Extended)
	require.Len(t, got.Data, 300)

	le := &APDU{INS: 0xCA, Le: 1000}
	require.Equal(t, []byte{0x00, 0xCA, 0x00, 0x00, 0x00, 0x03, 0xE8}, le.Bytes())
}

func TestStatusWord(t *testing.T) {
	err := errors.Wrap(SWFileNotFound, "lookup")
	var sw StatusWord
	require.True(t, errors.As(err, &sw))
	require.Equal(t, SWFileNotFound, sw)
	require.Equal(t, []byte{0x6A, 0x82}, sw.Bytes())
	require.Equal(t, "ccid: status 6A82", sw.Error())
}
