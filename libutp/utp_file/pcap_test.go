// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp_file

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/ledbat-utp/libutp"
)

func encodeTestPacket(t *testing.T, typ libutp.PacketType, seq uint16, payload []byte) []byte {
	t.Helper()
	pkt, err := libutp.EncodePacket(&libutp.Header{
		Type:       typ,
		ConnID:     4321,
		Timestamp:  1000,
		WindowSize: 65536,
		SeqNum:     seq,
		AckNum:     seq - 1,
	}, payload)
	require.NoError(t, err)
	return pkt
}

func TestPcapRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name   string
		local  netip.AddrPort
		remote netip.AddrPort
	}{
		{"ipv4", netip.MustParseAddrPort("127.0.0.1:6000"), netip.MustParseAddrPort("10.1.2.3:7000")},
		{"ipv6", netip.MustParseAddrPort("[::1]:6000"), netip.MustParseAddrPort("[2001:db8::7]:7000")},
		{"mixed", netip.MustParseAddrPort("[::]:6000"), netip.MustParseAddrPort("192.0.2.1:7000")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			rec, err := NewPcapRecorder(&buf, tc.local)
			require.NoError(t, err)
			stamp := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
			rec.now = func() time.Time { return stamp }

			syn := encodeTestPacket(t, libutp.PacketSyn, 1, nil)
			data := encodeTestPacket(t, libutp.PacketData, 2, []byte("some stream bytes"))
			require.NoError(t, rec.RecordSent(syn, tc.remote))
			require.NoError(t, rec.RecordReceived(data, tc.remote))
			// not µTP; must be skipped on the way back
			require.NoError(t, rec.RecordReceived([]byte("garbage"), tc.remote))

			captured, err := ReadCapture(&buf)
			require.NoError(t, err)
			require.Len(t, captured, 2)

			assert.Equal(t, tc.local.Port(), captured[0].Src.Port())
			assert.Equal(t, tc.remote.Port(), captured[0].Dst.Port())
			assert.Equal(t, libutp.PacketSyn, captured[0].UTP.Type)
			assert.EqualValues(t, 4321, captured[0].UTP.ConnID)
			assert.Empty(t, captured[0].UTP.LayerPayload())
			assert.True(t, captured[0].Timestamp.Equal(stamp))

			assert.Equal(t, tc.remote.Port(), captured[1].Src.Port())
			assert.Equal(t, tc.local.Port(), captured[1].Dst.Port())
			assert.Equal(t, libutp.PacketData, captured[1].UTP.Type)
			assert.EqualValues(t, 2, captured[1].UTP.SeqNum)
			assert.Equal(t, "some stream bytes", string(captured[1].UTP.LayerPayload()))

			if tc.name == "ipv4" {
				assert.Equal(t, tc.remote.Addr(), captured[0].Dst.Addr())
				assert.Equal(t, tc.remote.Addr(), captured[1].Src.Addr())
			}
		})
	}
}

func TestReadCaptureRejectsNonPcap(t *testing.T) {
	_, err := ReadCapture(bytes.NewReader([]byte("definitely not a capture file")))
	require.Error(t, err)
}
