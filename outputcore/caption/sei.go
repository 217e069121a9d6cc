package caption

import "github.com/outputcore/engine/outputcore/packet"

// SEI payload type for user_data_registered_itu_t_t35, per ITU-T H.264
// Annex D / H.265 Annex D.
const seiUserDataRegisteredITUT35 = 4

// annexBStartCode is the 4-byte Annex-B NAL start code.
var annexBStartCode = [4]byte{0x00, 0x00, 0x00, 0x01}

// InjectInto implements the injection policy of spec §4.2: given a video
// packet about to be dispatched, decide whether a queued caption is due,
// and if so return a new packet carrying the original payload followed by
// an Annex-B SEI NAL, plus true. If nothing was injected it returns
// (packet, false) unchanged.
//
// Placement note (preserved verbatim as an open issue — see spec §4.2/§9):
// the SEI NAL is appended after the existing payload
// rather than spliced between AUD/SPS/PPS and the first VCL NAL. This
// matches the reference behavior this package is modeled on; a bitstream
// parser could do better, and isn't implemented here.
func InjectInto(q *Queue, pkt *packet.Encoded) (*packet.Encoded, bool) {
	if pkt.Kind != packet.Video {
		return pkt, false
	}
	if pkt.Priority > 1 {
		return pkt, false
	}

	frameTs := pkt.FrameTimestamp()

	q.mu.Lock()
	var sei []byte
	switch {
	case q.pendingLine() != nil && q.captionTimestamp <= frameTs:
		line := q.popLine()
		sei = buildSEIFromLine(line.Text)
		q.captionTimestamp = frameTs + line.DisplayDuration
	case len(q.bytes) > 0 && q.lastRawCaptionTs < frameTs:
		triplets := q.drainBytes()
		q.lastRawCaptionTs = frameTs
		sei = buildSEIFromTriplets(filterTriplets(triplets))
	}
	q.mu.Unlock()

	if sei == nil {
		return pkt, false
	}

	replacement := pkt.Clone()
	replacement.Payload = append(replacement.Payload, sei...)
	return replacement, true
}

// filterTriplets drops entries that do not carry usable CEA-608 field-0
// data: non-field-0 triplets (low 2 bits of byte 0 != 0), 0x8080 padding,
// all-zero payloads, and anything failing the CEA-608 odd-parity check.
func filterTriplets(in []Triplet) []Triplet {
	out := make([]Triplet, 0, len(in))
	for _, t := range in {
		if t.B0&0x03 != 0 {
			continue
		}
		word := uint16(t.B1)<<8 | uint16(t.B2)
		if word == 0x8080 || word == 0 {
			continue
		}
		if !hasOddParity(t.B1) || !hasOddParity(t.B2) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// hasOddParity reports whether b, including its high bit, has odd
// parity, per the CEA-608 data-byte requirement.
func hasOddParity(b byte) bool {
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	return ones%2 == 1
}

// addParity sets b's high bit so the byte has odd parity (CEA-608
// requires every transmitted data byte to carry odd parity).
func addParity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}

// buildSEIFromTriplets renders already-filtered raw CEA-608/708 triplets
// into a single SEI NAL unit.
func buildSEIFromTriplets(triplets []Triplet) []byte {
	if len(triplets) == 0 {
		return nil
	}
	payload := buildA53Payload(triplets)
	return buildSEINAL(payload)
}

// buildSEIFromLine renders a plain-text caption line into CEA-608 roll-up
// command-and-text pairs (RU2, EDM, PAC row 14, then the text itself),
// then wraps them as a single SEI NAL carrying one cc_data_pkt per pair.
func buildSEIFromLine(text string) []byte {
	pairs := cea608RollUpPairs(text)
	triplets := make([]Triplet, len(pairs))
	for i, p := range pairs {
		triplets[i] = Triplet{B0: 0x00, B1: p[0], B2: p[1]}
	}
	payload := buildA53Payload(triplets)
	return buildSEINAL(payload)
}

// cea608RollUpPairs builds the CEA-608 roll-up-2 control-and-text byte
// pair sequence for one caption line: RU2 (doubled), erase-displayed-
// memory (doubled), preamble-address-code for row 14 (doubled), then the
// text itself as parity-encoded character pairs.
func cea608RollUpPairs(text string) [][2]byte {
	var pairs [][2]byte
	pairs = append(pairs,
		[2]byte{0x14, 0x25}, [2]byte{0x14, 0x25}, // RU2
		[2]byte{0x14, 0x2C}, [2]byte{0x14, 0x2C}, // EDM
		[2]byte{0x14, 0x60}, [2]byte{0x14, 0x60}, // PAC row 14, white, col 0
	)

	clean := normalizeCEA608Text(text)
	for i := 0; i < len(clean); i += 2 {
		c1 := addParity(clean[i])
		c2 := byte(0x80) // parity-encoded null/pad
		if i+1 < len(clean) {
			c2 = addParity(clean[i+1])
		}
		pairs = append(pairs, [2]byte{c1, c2})
	}
	return pairs
}

// normalizeCEA608Text clamps a line to the printable ASCII subset CEA-608
// can carry, truncated to CaptionLineBytes.
func normalizeCEA608Text(text string) []byte {
	out := make([]byte, 0, len(text))
	for _, ch := range text {
		if len(out) >= packet.CaptionLineBytes {
			break
		}
		if ch >= 0x20 && ch <= 0x7E {
			out = append(out, byte(ch))
		} else {
			out = append(out, '?')
		}
	}
	return out
}

// buildA53Payload constructs the ATSC A/53 Part 4 cc_data() structure
// carrying the given triplets as cc_data_pkt entries.
func buildA53Payload(triplets []Triplet) []byte {
	ccCount := len(triplets)
	if ccCount > 31 {
		ccCount = 31
		triplets = triplets[:31]
	}

	payload := make([]byte, 0, 8+3*ccCount)
	payload = append(payload, 0xB5)       // itu_t_t35_country_code: United States
	payload = append(payload, 0x00, 0x31) // itu_t_t35_provider_code: ATSC
	payload = append(payload, 'G', 'A', '9', '4')
	payload = append(payload, 0x03) // user_data_type_code: cc_data

	payload = append(payload, 0x40|byte(ccCount)&0x1F) // process_cc_data_flag=1
	payload = append(payload, 0xFF)                    // em_data (reserved)

	for _, t := range triplets {
		marker := 0xFC | (t.B0 & 0x03)
		payload = append(payload, marker, t.B1, t.B2)
	}

	payload = append(payload, 0xFF) // marker_bits (end)
	return payload
}

// buildSEINAL wraps an SEI payload into a complete Annex-B NAL unit:
// start code, SEI NAL header (type 6, NRI 0), and the escaped SEI
// message (type 4, size, payload, RBSP trailing bits).
func buildSEINAL(payload []byte) []byte {
	msg := encodeSEIMessage(seiUserDataRegisteredITUT35, payload)
	msg = append(msg, 0x80) // rbsp_trailing_bits

	var nal []byte
	nal = append(nal, annexBStartCode[:]...)
	nal = append(nal, 0x06) // NAL header: type 6 (SEI), nal_ref_idc 0
	nal = append(nal, addEmulationPrevention(msg)...)
	return nal
}

// encodeSEIMessage wraps payload with the SEI message header: a
// payloadType and payloadSize each encoded as a run of 0xFF bytes for
// every 255 plus a final remainder byte.
func encodeSEIMessage(payloadType int, payload []byte) []byte {
	var out []byte

	pt := payloadType
	for pt >= 255 {
		out = append(out, 0xFF)
		pt -= 255
	}
	out = append(out, byte(pt))

	size := len(payload)
	for size >= 255 {
		out = append(out, 0xFF)
		size -= 255
	}
	out = append(out, byte(size))

	out = append(out, payload...)
	return out
}

// addEmulationPrevention inserts 0x03 before any byte <= 0x03 that
// follows two consecutive 0x00 bytes, per ITU-T H.264 §7.4.1.
func addEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8+1)
	zeroRun := 0
	for _, b := range data {
		if zeroRun >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeroRun = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeroRun++
		} else {
			zeroRun = 0
		}
	}
	return out
}
