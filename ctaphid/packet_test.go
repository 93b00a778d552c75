package ctaphid

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestFragmentReassemble(t *testing.T) {
	sizes := []int{0, 1, InitPayloadSize, InitPayloadSize + 1, InitPayloadSize + ContPayloadSize, InitPayloadSize + ContPayloadSize + 1, MaxMessageSize}
	for _, size := range sizes {
		data := bytes.Repeat([]byte{0xA5}, size)
		for i := range data {
			data[i] = byte(i)
		}
		packets, err := Fragment(Message{Channel: 0x01020304, Command: CmdCBOR, Data: data})
		require.NoError(t, err)

		want := 1
		if size > InitPayloadSize {
			want += (size - InitPayloadSize + ContPayloadSize - 1) / ContPayloadSize
		}
		require.Len(t, packets, want, "size %d", size)
		for _, pkt := range packets {
			require.Len(t, pkt, PacketSize)
			require.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(pkt))
		}
		require.Equal(t, byte(0x80|CmdCBOR), packets[0][4])

		var r Reassembler
		for i, pkt := range packets {
			msg, done, err := r.Feed(pkt)
			require.NoError(t, err)
			if i < len(packets)-1 {
				require.False(t, done, "size %d packet %d", size, i)
				continue
			}
			require.True(t, done, "size %d", size)
			require.Equal(t, CmdCBOR, msg.Command)
			require.Equal(t, data, msg.Data)
		}
		require.False(t, r.Active())
	}
}

func TestReassembleEmptyMessage(t *testing.T) {
	p := packets(t, 0x0A0B0C0D, CmdPing, 0)
	require.Len(t, p, 1)

	var r Reassembler
	msg, done, err := r.Feed(p[0])
	require.NoError(t, err)
	require.True(t, done)
	require.NotNil(t, msg.Data)
	require.Empty(t, msg.Data)
}

func TestFragmentTooLarge(t *testing.T) {
	_, err := Fragment(Message{Channel: 1, Command: CmdMsg, Data: make([]byte, MaxMessageSize+1)})
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.Equal(t, 7609, MaxMessageSize)
}

func packets(t *testing.T, cid uint32, cmd Command, size int) [][]byte {
	t.Helper()
	p, err := Fragment(Message{Channel: cid, Command: cmd, Data: make([]byte, size)})
	require.NoError(t, err)
	return p
}

func requireCode(t *testing.T, err error, cid uint32, code ErrorCode) {
	t.Helper()
	var perr *PacketError
	require.True(t, errors.As(err, &perr), "error %v", err)
	require.Equal(t, cid, perr.Channel)
	require.Equal(t, code, perr.Code)
	require.ErrorIs(t, err, code)
}

func TestReassemblerErrors(t *testing.T) {
	t.Run("channel zero", func(t *testing.T) {
		var r Reassembler
		_, _, err := r.Feed(packets(t, 0, CmdPing, 1)[0])
		requireCode(t, err, 0, ErrorInvalidChannel)
	})

	t.Run("stray continuation", func(t *testing.T) {
		var r Reassembler
		_, done, err := r.Feed(packets(t, 5, CmdPing, 100)[1])
		require.NoError(t, err)
		require.False(t, done)
	})

	t.Run("bad sequence", func(t *testing.T) {
		var r Reassembler
		p := packets(t, 5, CmdPing, 200)
		_, _, err := r.Feed(p[0])
		require.NoError(t, err)
		_, _, err = r.Feed(p[2])
		requireCode(t, err, 5, ErrorInvalidSequence)
		require.False(t, r.Active())
	})

	t.Run("other channel busy", func(t *testing.T) {
		var r Reassembler
		_, _, err := r.Feed(packets(t, 5, CmdPing, 100)[0])
		require.NoError(t, err)
		_, _, err = r.Feed(packets(t, 6, CmdPing, 1)[0])
		requireCode(t, err, 6, ErrorChannelBusy)
		require.True(t, r.Active())
		require.Equal(t, uint32(5), r.Channel())
	})

	t.Run("init packet mid message", func(t *testing.T) {
		var r Reassembler
		_, _, err := r.Feed(packets(t, 5, CmdPing, 100)[0])
		require.NoError(t, err)
		_, _, err = r.Feed(packets(t, 5, CmdMsg, 1)[0])
		requireCode(t, err, 5, ErrorInvalidSequence)
	})

	t.Run("INIT resynchronizes", func(t *testing.T) {
		var r Reassembler
		_, _, err := r.Feed(packets(t, 5, CmdPing, 100)[0])
		require.NoError(t, err)
		msg, done, err := r.Feed(packets(t, 5, CmdInit, 8)[0])
		require.NoError(t, err)
		require.True(t, done)
		require.Equal(t, CmdInit, msg.Command)
	})

	t.Run("length over maximum", func(t *testing.T) {
		var r Reassembler
		pkt := packets(t, 5, CmdMsg, 0)[0]
		binary.BigEndian.PutUint16(pkt[5:7], MaxMessageSize+1)
		_, _, err := r.Feed(pkt)
		requireCode(t, err, 5, ErrorInvalidLength)
	})

	t.Run("short report is padded", func(t *testing.T) {
		var r Reassembler
		pkt := packets(t, 5, CmdPing, 2)[0][:9]
		msg, done, err := r.Feed(pkt)
		require.NoError(t, err)
		require.True(t, done)
		require.Len(t, msg.Data, 2)
	})
}

func TestCommandString(t *testing.T) {
	require.Equal(t, "INIT", CmdInit.String())
	require.Equal(t, "VENDOR(0x60)", Command(0x60).String())
	require.Equal(t, "0x20", Command(0x20).String())
	require.Equal(t, "ctaphid: invalid command", ErrorInvalidCommand.Error())
}
