// Package tsmux implements the encode-direction counterpart of the
// teacher's demux-only internal/mpegts package: PES header construction,
// 188-byte transport stream packetization, and PAT/PMT table generation.
// It is shared by every backend that delivers packet.Encoded over MPEG-TS
// (file recording, SRT push), so the bit layout lives in one place.
package tsmux

import (
	"encoding/binary"
	"io"

	"github.com/outputcore/engine/outputcore/packet"
)

const (
	tsPacketSize = 188
	syncByte     = 0x47

	defaultPATPID   = 0x0000
	defaultPMTPID   = 0x1000
	defaultVideoPID = 0x0100
	defaultAudioPID = 0x0101

	StreamIDVideo = 0xE0
	StreamIDAudio = 0xC0
)

// Config names the PIDs and stream types a Muxer multiplexes. Zero-value
// fields take the defaults below.
type Config struct {
	VideoPID        uint16
	AudioPID        uint16
	PMTPID          uint16
	VideoStreamType uint8 // e.g. 0x1B for H.264
	AudioStreamType uint8 // e.g. 0x0F for AAC
}

func (c Config) withDefaults() Config {
	if c.VideoPID == 0 {
		c.VideoPID = defaultVideoPID
	}
	if c.AudioPID == 0 {
		c.AudioPID = defaultAudioPID
	}
	if c.PMTPID == 0 {
		c.PMTPID = defaultPMTPID
	}
	if c.VideoStreamType == 0 {
		c.VideoStreamType = 0x1B
	}
	if c.AudioStreamType == 0 {
		c.AudioStreamType = 0x0F
	}
	return c
}

// Muxer holds the continuity-counter state for a single-program MPEG-TS
// stream. It is not safe for concurrent use; callers serialize access the
// way filemux and srt backends do with their own state mutex.
type Muxer struct {
	cfg Config
	cc  map[uint16]uint8
}

// NewMuxer returns a Muxer for cfg, defaulting unset fields.
func NewMuxer(cfg Config) *Muxer {
	return &Muxer{cfg: cfg.withDefaults(), cc: make(map[uint16]uint8)}
}

// VideoPID and AudioPID report the PIDs this Muxer writes, after defaults.
func (m *Muxer) VideoPID() uint16 { return m.cfg.VideoPID }
func (m *Muxer) AudioPID() uint16 { return m.cfg.AudioPID }

// BuildPES wraps pkt's payload in a PES packet header carrying PTS (and
// DTS when it differs from PTS), converting the packet's timebase to the
// 90kHz MPEG-TS clock.
func BuildPES(streamID uint8, pkt *packet.Encoded) []byte {
	pts90k := rescaleTo90k(pkt.PTS, pkt.TimebaseNum, pkt.TimebaseDen)
	hasDTS := pkt.DTS != pkt.PTS
	dts90k := rescaleTo90k(pkt.DTS, pkt.TimebaseNum, pkt.TimebaseDen)

	headerLen := 5
	ptsDtsFlags := byte(0x80)
	if hasDTS {
		headerLen = 10
		ptsDtsFlags = 0xC0
	}

	pes := make([]byte, 0, 9+headerLen+len(pkt.Payload))
	pes = append(pes, 0x00, 0x00, 0x01, streamID)
	pes = append(pes, 0x00, 0x00) // PES packet length, 0 = unbounded (video convention)
	pes = append(pes, 0x80, ptsDtsFlags, byte(headerLen))
	pes = append(pes, encodeTimestamp(ptsDtsFlags>>6, pts90k)...)
	if hasDTS {
		pes = append(pes, encodeTimestamp(0x1, dts90k)...)
	}
	pes = append(pes, pkt.Payload...)
	return pes
}

func rescaleTo90k(v int64, num, den uint32) int64 {
	if den == 0 {
		return 0
	}
	return v * 90000 * int64(num) / int64(den)
}

// encodeTimestamp packs a 33-bit timestamp into PES's 5-byte marker-bit
// layout (ISO/IEC 13818-1 §2.4.3.6).
func encodeTimestamp(prefix byte, ts int64) []byte {
	ts &= 0x1FFFFFFFF
	out := make([]byte, 5)
	out[0] = (prefix << 4) | byte((ts>>29)&0x0E) | 0x01
	out[1] = byte(ts >> 22)
	out[2] = byte((ts>>14)&0xFE) | 0x01
	out[3] = byte(ts >> 7)
	out[4] = byte((ts<<1)&0xFE) | 0x01
	return out
}

// WriteElementary segments payload into 188-byte TS packets on pid,
// setting payload_unit_start on the first packet and a PCR-bearing
// adaptation field on keyframe packets, writing each packet to w.
func (m *Muxer) WriteElementary(w io.Writer, pid uint16, payload []byte, pcrAnchor bool) error {
	first := true
	for len(payload) > 0 {
		pkt := make([]byte, tsPacketSize)
		pkt[0] = syncByte

		pusi := byte(0)
		if first {
			pusi = 0x40
		}
		pkt[1] = pusi | byte(pid>>8)&0x1F
		pkt[2] = byte(pid)

		cc := m.cc[pid]
		m.cc[pid] = (cc + 1) & 0x0F

		headerLen := 4
		hasAF := first && pcrAnchor
		afControl := byte(0x10) // payload only
		if hasAF {
			afControl = 0x30 // adaptation field + payload
		}
		pkt[3] = afControl | cc

		if hasAF {
			afLen := 7 // flags byte + 6-byte PCR
			pkt[4] = byte(afLen)
			pkt[5] = 0x10 // PCR flag
			writePCR(pkt[6:12], 0)
			headerLen += 1 + afLen
		}

		space := tsPacketSize - headerLen
		n := len(payload)
		if n > space {
			n = space
		} else if n < space {
			// Not enough payload to fill the packet: stuff the adaptation
			// field with 0xFF bytes per the standard's padding rule.
			pad := space - n
			if !hasAF {
				afLen := pad - 1
				pkt[3] = 0x30 | cc
				pkt[4] = byte(afLen)
				if afLen > 0 {
					pkt[5] = 0x00
					for i := 6; i < 5+afLen; i++ {
						pkt[i] = 0xFF
					}
				}
				headerLen = 4 + 1 + afLen
			} else {
				for i := headerLen; i < headerLen+pad; i++ {
					pkt[i] = 0xFF
				}
				pkt[4] = byte(int(pkt[4]) + pad)
				headerLen += pad
			}
		}

		copy(pkt[headerLen:], payload[:n])
		payload = payload[n:]
		first = false

		if _, err := w.Write(pkt); err != nil {
			return err
		}
	}
	return nil
}

func writePCR(dst []byte, pcrBase int64) {
	pcrBase &= 0x1FFFFFFFF
	dst[0] = byte(pcrBase >> 25)
	dst[1] = byte(pcrBase >> 17)
	dst[2] = byte(pcrBase >> 9)
	dst[3] = byte(pcrBase >> 1)
	dst[4] = byte(pcrBase<<7) | 0x7E
	dst[5] = 0x00
}

// WritePAT writes a single-program PAT pointing at cfg.PMTPID.
func (m *Muxer) WritePAT(w io.Writer) error {
	section := []byte{
		0x00,       // table_id
		0xB0, 0x0D, // section_syntax_indicator=1, section_length=13
		0x00, 0x01, // transport_stream_id
		0xC1,       // version=0, current_next=1
		0x00, 0x00, // section_number, last_section_number
		0x00, 0x01, // program_number=1
		0xE0 | byte(m.cfg.PMTPID>>8), byte(m.cfg.PMTPID),
	}
	section = appendCRC(section)
	_, err := w.Write(m.psiPacket(defaultPATPID, section))
	return err
}

// WritePMT writes a single-program PMT listing the video and audio
// elementary streams.
func (m *Muxer) WritePMT(w io.Writer) error {
	body := []byte{
		0x02,       // table_id
		0xB0, 0x00, // placeholder length
		0x00, 0x01, // program_number
		0xC1,       // version/current_next
		0x00, 0x00, // section/last_section
		0xE0 | byte(m.cfg.VideoPID>>8), byte(m.cfg.VideoPID), // PCR_PID = video
		0xF0, 0x00, // program_info_length = 0
	}
	body = append(body,
		m.cfg.VideoStreamType, 0xE0|byte(m.cfg.VideoPID>>8), byte(m.cfg.VideoPID), 0xF0, 0x00,
		m.cfg.AudioStreamType, 0xE0|byte(m.cfg.AudioPID>>8), byte(m.cfg.AudioPID), 0xF0, 0x00,
	)
	sectionLen := len(body) - 3 + 4 // + CRC
	body[1] = 0xB0 | byte(sectionLen>>8)
	body[2] = byte(sectionLen)
	body = appendCRC(body)
	_, err := w.Write(m.psiPacket(m.cfg.PMTPID, body))
	return err
}

// psiPacket wraps a PSI section (PAT/PMT) in a single 188-byte TS packet
// with the pointer_field convention.
func (m *Muxer) psiPacket(pid uint16, section []byte) []byte {
	pkt := make([]byte, tsPacketSize)
	pkt[0] = syncByte
	pkt[1] = 0x40 | byte(pid>>8)&0x1F // payload_unit_start
	pkt[2] = byte(pid)

	cc := m.cc[pid]
	m.cc[pid] = (cc + 1) & 0x0F
	pkt[3] = 0x10 | cc

	pkt[4] = 0x00 // pointer_field
	copy(pkt[5:], section)
	for i := 5 + len(section); i < tsPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

var crcTable [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// appendCRC appends the MPEG-2 CRC32 (polynomial 0x04C11DB7) of section
// to itself, matching internal/mpegts's demuxer-side verification of the
// same polynomial in reverse.
func appendCRC(section []byte) []byte {
	crc := uint32(0xFFFFFFFF)
	for _, b := range section {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, crc)
	return append(section, out...)
}
