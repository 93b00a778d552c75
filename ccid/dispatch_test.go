package ccid

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

type testApp struct {
	aid       []byte
	selects   int
	deselects int
	pending   int
	calls     []*APDU
	call      func(*APDU) ([]byte, error)
}

func (a *testApp) AID() []byte { return a.aid }

func (a *testApp) Select(*APDU) ([]byte, error) {
	a.selects++
	return nil, nil
}

func (a *testApp) Deselect() { a.deselects++ }

func (a *testApp) Call(apdu *APDU) ([]byte, error) {
	if a.pending > 0 {
		a.pending--
		return nil, ErrPending
	}
	a.calls = append(a.calls, apdu)
	if a.call != nil {
		return a.call(apdu)
	}
	return apdu.Data, nil
}

// xfr sends an APDU and runs the dispatcher until the reply is in.
func (h *harness) xfr(apps []App, apdu []byte) []byte {
	h.t.Helper()
	h.send(PCToRDRXfrBlock, 0, [3]byte{}, apdu)
	for range 10 {
		if !h.class.Busy() {
			break
		}
		h.disp.Poll(apps)
		h.class.Poll(h.port)
	}
	require.False(h.t, h.class.Busy())
	return h.recvOne().Data
}

func selectAPDU(aid []byte) []byte {
	return (&APDU{INS: InsSelect, P1: 0x04, Data: aid}).Bytes()
}

func TestDispatch_Select(t *testing.T) {
	h := newHarness(t)
	h.powerOn()
	first := &testApp{aid: []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01}}
	second := &testApp{aid: []byte{0xA0, 0x00, 0x00, 0x08, 0x47}}
	apps := []App{first, second}

	require.Equal(t, SWInsNotSupported.Bytes(), h.xfr(apps, []byte{0x00, 0xCA, 0x00, 0x00}))
	require.Equal(t, SWFileNotFound.Bytes(), h.xfr(apps, selectAPDU([]byte{0xA0, 0x00, 0x00, 0x09})))

	require.Equal(t, SWSuccess.Bytes(), h.xfr(apps, selectAPDU([]byte{0xA0, 0x00, 0x00, 0x05, 0x27})), "partial AID")
	require.Equal(t, first, h.disp.Selected())

	require.Equal(t, []byte{0x01, 0x90, 0x00}, h.xfr(apps, []byte{0x00, 0xCA, 0x00, 0x00, 0x01, 0x01}))
	require.Len(t, first.calls, 1)

	require.Equal(t, SWSuccess.Bytes(), h.xfr(apps, selectAPDU(second.aid)))
	require.Equal(t, 1, first.deselects)
	require.Equal(t, second, h.disp.Selected())

	h.powerOn()
	require.Equal(t, SWInsNotSupported.Bytes(), h.xfr(apps, []byte{0x00, 0xCA, 0x00, 0x00}))
	require.Equal(t, 1, second.deselects, "power cycle deselects")
	require.Nil(t, h.disp.Selected())
}

func TestDispatch_ResponseChaining(t *testing.T) {
	h := newHarness(t)
	h.powerOn()
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	app := &testApp{aid: []byte{0xA0, 0x01}}
	app.call = func(*APDU) ([]byte, error) { return payload, nil }
	apps := []App{app}

	require.Equal(t, SWConditionsNotSatisfied.Bytes(), h.xfr(apps, []byte{0x00, InsGetResponse, 0x00, 0x00, 0x00}))
	h.xfr(apps, selectAPDU(app.aid))

	resp := h.xfr(apps, []byte{0x00, 0x01, 0x00, 0x00})
	require.Len(t, resp, 258)
	require.Equal(t, payload[:256], resp[:256])
	require.Equal(t, []byte{0x61, 44}, resp[256:])

	resp = h.xfr(apps, []byte{0x00, InsGetResponse, 0x00, 0x00, 0x00})
	require.Equal(t, append(payload[256:300:300], 0x90, 0x00), resp)
	require.Equal(t, SWConditionsNotSatisfied.Bytes(), h.xfr(apps, []byte{0x00, InsGetResponse, 0x00, 0x00, 0x00}))

	// Le limits the chunk size.
	resp = h.xfr(apps, []byte{0x00, 0x01, 0x00, 0x00, 0x10})
	require.Len(t, resp, 18)
	require.Equal(t, []byte{0x61, 0x00}, resp[16:], "more than 255 bytes remain")

	// Any other command discards the rest.
	h.xfr(apps, selectAPDU(app.aid))
	require.Equal(t, SWConditionsNotSatisfied.Bytes(), h.xfr(apps, []byte{0x00, InsGetResponse, 0x00, 0x00, 0x00}))

	// Extended APDUs get the whole reply.
	resp = h.xfr(apps, (&APDU{INS: 0x01, Le: 65536, Extended: true}).Bytes())
	require.Len(t, resp, 302)
}

func TestDispatch_CommandChaining(t *testing.T) {
	h := newHarness(t)
	h.powerOn()
	app := &testApp{aid: []byte{0xA0, 0x01}}
	apps := []App{app}
	h.xfr(apps, selectAPDU(app.aid))

	require.Equal(t, SWSuccess.Bytes(), h.xfr(apps, []byte{ClaChaining, 0xDA, 0x00, 0x00, 0x02, 0x01, 0x02}))
	require.Empty(t, app.calls)
	resp := h.xfr(apps, []byte{0x00, 0xDA, 0x00, 0x00, 0x01, 0x03})
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x90, 0x00}, resp)
	require.Len(t, app.calls, 1)
}

func TestDispatch_PendingAndErrors(t *testing.T) {
	h := newHarness(t)
	h.powerOn()
	app := &testApp{aid: []byte{0xA0, 0x01}}
	apps := []App{app}
	h.xfr(apps, selectAPDU(app.aid))

	var seen []error
	h.disp.SetObserver(func(ins byte, err error) {
		require.Equal(t, byte(0x01), ins)
		seen = append(seen, err)
	})

	app.pending = 3
	require.Equal(t, []byte{0x7F, 0x90, 0x00}, h.xfr(apps, []byte{0x00, 0x01, 0x00, 0x00, 0x01, 0x7F}))
	require.Equal(t, 0, app.pending)
	require.Len(t, seen, 1, "observer sees the final outcome only")

	tests := []struct {
		err  error
		want StatusWord
	}{
		{SWSecurityNotSatisfied, SWSecurityNotSatisfied},
		{errors.Wrap(SWReferenceNotFound, "lookup"), SWReferenceNotFound},
		{errors.New("storage failed"), SWUnknown},
	}
	for _, tt := range tests {
		app.call = func(*APDU) ([]byte, error) { return []byte{0xFF}, tt.err }
		require.Equal(t, tt.want.Bytes(), h.xfr(apps, []byte{0x00, 0x01, 0x00, 0x00}))
	}
	require.Len(t, seen, 4)

	require.Equal(t, SWWrongLength.Bytes(), h.xfr(apps, []byte{0x00, 0x01, 0x00, 0x00, 0x05, 0x01}))
}
