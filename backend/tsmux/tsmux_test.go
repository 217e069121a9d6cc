package tsmux

import (
	"bytes"
	"testing"

	"github.com/outputcore/engine/outputcore/packet"
)

func TestMuxer_Defaults(t *testing.T) {
	m := NewMuxer(Config{})
	if m.VideoPID() != defaultVideoPID {
		t.Errorf("video pid = %#x, want %#x", m.VideoPID(), defaultVideoPID)
	}
	if m.AudioPID() != defaultAudioPID {
		t.Errorf("audio pid = %#x, want %#x", m.AudioPID(), defaultAudioPID)
	}
}

func TestMuxer_WritePATIsOneTSPacket(t *testing.T) {
	m := NewMuxer(Config{})
	var buf bytes.Buffer
	if err := m.WritePAT(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != tsPacketSize {
		t.Fatalf("PAT length = %d, want %d", buf.Len(), tsPacketSize)
	}
	if buf.Bytes()[0] != syncByte {
		t.Errorf("missing sync byte, got %#x", buf.Bytes()[0])
	}
}

func TestMuxer_WritePMTListsBothStreams(t *testing.T) {
	m := NewMuxer(Config{VideoStreamType: 0x1B, AudioStreamType: 0x0F})
	var buf bytes.Buffer
	if err := m.WritePMT(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != tsPacketSize {
		t.Fatalf("PMT length = %d, want %d", buf.Len(), tsPacketSize)
	}
	body := buf.Bytes()[5:]
	if !bytes.Contains(body, []byte{0x1B}) {
		t.Error("PMT missing video stream type")
	}
	if !bytes.Contains(body, []byte{0x0F}) {
		t.Error("PMT missing audio stream type")
	}
}

func TestBuildPES_DTSOmittedWhenEqualToPTS(t *testing.T) {
	pkt := &packet.Encoded{PTS: 1000, DTS: 1000, TimebaseNum: 1, TimebaseDen: 1000, Payload: []byte{0xAA}}
	pes := BuildPES(StreamIDVideo, pkt)
	if pes[7] != 0x80 {
		t.Errorf("pts_dts_flags = %#x, want 0x80 (PTS only)", pes[7])
	}
	if pes[8] != 5 {
		t.Errorf("pes header data length = %d, want 5", pes[8])
	}
}

func TestBuildPES_DTSPresentWhenDiffers(t *testing.T) {
	pkt := &packet.Encoded{PTS: 2000, DTS: 1000, TimebaseNum: 1, TimebaseDen: 1000, Payload: []byte{0xAA}}
	pes := BuildPES(StreamIDVideo, pkt)
	if pes[7] != 0xC0 {
		t.Errorf("pts_dts_flags = %#x, want 0xC0 (PTS+DTS)", pes[7])
	}
	if pes[8] != 10 {
		t.Errorf("pes header data length = %d, want 10", pes[8])
	}
}

func TestMuxer_WriteElementarySegmentsAndSetsPUSI(t *testing.T) {
	m := NewMuxer(Config{})
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{0x7E}, 500)
	if err := m.WriteElementary(&buf, m.VideoPID(), payload, false); err != nil {
		t.Fatal(err)
	}
	if buf.Len()%tsPacketSize != 0 {
		t.Fatalf("output length %d not a multiple of %d", buf.Len(), tsPacketSize)
	}
	first := buf.Bytes()[:tsPacketSize]
	if first[1]&0x40 == 0 {
		t.Error("first packet missing payload_unit_start_indicator")
	}
	second := buf.Bytes()[tsPacketSize : 2*tsPacketSize]
	if second[1]&0x40 != 0 {
		t.Error("continuation packet should not set payload_unit_start_indicator")
	}
}

func TestMuxer_WriteElementaryPadsShortFinalPacket(t *testing.T) {
	m := NewMuxer(Config{})
	var buf bytes.Buffer
	payload := []byte{0x01, 0x02, 0x03}
	if err := m.WriteElementary(&buf, m.VideoPID(), payload, false); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != tsPacketSize {
		t.Fatalf("expected a single padded packet, got length %d", buf.Len())
	}
}

func TestMuxer_WriteElementaryKeyframeCarriesPCR(t *testing.T) {
	m := NewMuxer(Config{})
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{0x01}, 400)
	if err := m.WriteElementary(&buf, m.VideoPID(), payload, true); err != nil {
		t.Fatal(err)
	}
	first := buf.Bytes()[:tsPacketSize]
	if first[3]&0x30 != 0x30 {
		t.Errorf("adaptation_field_control = %#x, want adaptation+payload (0x30)", first[3]&0x30)
	}
	if first[5]&0x10 == 0 {
		t.Error("PCR flag not set in adaptation field")
	}
}

func TestMuxer_ContinuityCounterIncrementsPerPID(t *testing.T) {
	m := NewMuxer(Config{})
	var buf bytes.Buffer
	m.WriteElementary(&buf, m.VideoPID(), []byte{0x01, 0x02, 0x03}, false)
	m.WriteElementary(&buf, m.VideoPID(), []byte{0x04, 0x05, 0x06}, false)
	first := buf.Bytes()[:tsPacketSize][3] & 0x0F
	second := buf.Bytes()[tsPacketSize:][3] & 0x0F
	if second != (first+1)&0x0F {
		t.Errorf("continuity counter did not increment: %d -> %d", first, second)
	}
}
