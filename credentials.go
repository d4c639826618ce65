package aidetect

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// C2PA manifest stores are JUMBF superboxes embedded in JPEG APP11 segments,
// PNG caBX chunks or WebP C2PA chunks. ContentCredentialPresent is only set
// for a store that carries at least one manifest with a non-empty claim and
// a non-empty claim signature. The COSE signature itself is not verified.

const (
	c2paStoreLabel     = "c2pa"
	c2paClaimLabel     = "c2pa.claim"
	c2paSignatureLabel = "c2pa.signature"

	jumbfHeaderLen     = 8
	jumbfMaxDepth      = 8
	jumdUUIDLen        = 16
	jumdLabelPresent   = 0x02
	jpegAPP11          = 0xEB
	jpegSOS            = 0xDA
	jpegEOI            = 0xD9
	jpegJUMBFHeaderLen = 8 // "JP", box instance, packet sequence
)

var (
	pngSignature = []byte("\x89PNG\r\n\x1a\n")
	riffMagic    = []byte("RIFF")
	webpMagic    = []byte("WEBP")
)

// aiSourceTypeMarkers are IPTC digital-source-type codes for generated media.
// They appear in C2PA actions assertions and in XMP.
var aiSourceTypeMarkers = [][]byte{
	[]byte("trainedAlgorithmicMedia"),
	[]byte("TrainedAlgorithmicMedia"),
}

// scanContentCredentials looks for a C2PA manifest store and AI source-type
// assertions. A manifest that declares generated media is an AI signature
// rather than a credential of camera provenance.
func scanContentCredentials(data []byte, rec *MetadataRecord) {
	for _, m := range aiSourceTypeMarkers {
		if bytes.Contains(data, m) {
			rec.AISignatures = append(rec.AISignatures, "digital source type: trainedAlgorithmicMedia")
			break
		}
	}
	if len(rec.AISignatures) > 0 {
		return
	}
	for _, store := range jumbfPayloads(data) {
		if validManifestStore(store) {
			rec.ContentCredentialPresent = true
			return
		}
	}
}

// jumbfPayloads returns the JUMBF boxes embedded in the container.
func jumbfPayloads(data []byte) [][]byte {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8}):
		return jpegJUMBF(data)
	case bytes.HasPrefix(data, pngSignature):
		return pngChunks(data, "caBX")
	case len(data) >= 12 && bytes.Equal(data[:4], riffMagic) && bytes.Equal(data[8:12], webpMagic):
		return webpChunks(data, "C2PA")
	default:
		return nil
	}
}

// jpegJUMBF reassembles APP11 JUMBF packets by box instance. Every
// continuation packet repeats the superbox header, which is dropped.
func jpegJUMBF(data []byte) [][]byte {
	var order []uint16
	parts := make(map[uint16][]byte)

	for i := 2; i+4 <= len(data); {
		if data[i] != 0xFF {
			break
		}
		marker := data[i+1]
		switch {
		case marker == 0xFF:
			i++
			continue
		case marker == 0x01 || (marker >= 0xD0 && marker <= 0xD8):
			i += 2
			continue
		case marker == jpegSOS || marker == jpegEOI:
			i = len(data)
			continue
		}
		n := int(binary.BigEndian.Uint16(data[i+2:]))
		if n < 2 || i+2+n > len(data) {
			break
		}
		seg := data[i+4 : i+2+n]
		i += 2 + n

		if marker != jpegAPP11 || len(seg) < jpegJUMBFHeaderLen || seg[0] != 'J' || seg[1] != 'P' {
			continue
		}
		instance := binary.BigEndian.Uint16(seg[2:])
		body := seg[jpegJUMBFHeaderLen:]
		prev, seen := parts[instance]
		if !seen {
			order = append(order, instance)
			parts[instance] = append([]byte(nil), body...)
			continue
		}
		if len(body) < jumbfHeaderLen {
			continue
		}
		parts[instance] = append(prev, body[jumbfHeaderLen:]...)
	}

	out := make([][]byte, 0, len(order))
	for _, inst := range order {
		out = append(out, parts[inst])
	}
	return out
}

func pngChunks(data []byte, typ string) [][]byte {
	var out [][]byte
	for i := len(pngSignature); i+8 <= len(data); {
		n := int(binary.BigEndian.Uint32(data[i:]))
		name := string(data[i+4 : i+8])
		end := i + 8 + n + 4 // length, type, data, crc
		if n < 0 || end > len(data) || end < i {
			break
		}
		if name == typ {
			out = append(out, data[i+8:i+8+n])
		}
		if name == "IEND" {
			break
		}
		i = end
	}
	return out
}

func webpChunks(data []byte, fourcc string) [][]byte {
	var out [][]byte
	for i := 12; i+8 <= len(data); {
		name := string(data[i : i+4])
		n := int(binary.LittleEndian.Uint32(data[i+4:]))
		if n < 0 || i+8+n > len(data) {
			break
		}
		if name == fourcc {
			out = append(out, data[i+8:i+8+n])
		}
		i += 8 + n + n%2
	}
	return out
}

// jumbfBox is one parsed JUMBF box. Superboxes ("jumb") carry a label from
// their description box and their children; content boxes only a size.
type jumbfBox struct {
	typ      string
	label    string
	children []jumbfBox
	size     int
}

type rawBox struct {
	typ     string
	payload []byte
}

// splitBoxes reads consecutive ISO BMFF style boxes.
func splitBoxes(b []byte) ([]rawBox, bool) {
	var out []rawBox
	for len(b) > 0 {
		if len(b) < jumbfHeaderLen {
			return nil, false
		}
		size := uint64(binary.BigEndian.Uint32(b))
		typ := string(b[4:8])
		hdr := uint64(jumbfHeaderLen)
		switch size {
		case 0:
			size = uint64(len(b))
		case 1:
			if len(b) < 16 { //nolint:mnd // header with 64-bit XLBox
				return nil, false
			}
			size = binary.BigEndian.Uint64(b[8:])
			hdr = 16
		}
		if size < hdr || size > uint64(len(b)) {
			return nil, false
		}
		out = append(out, rawBox{typ: typ, payload: b[hdr:size]})
		b = b[size:]
	}
	return out, true
}

// parseSuperbox parses the content of a "jumb" box.
func parseSuperbox(content []byte, depth int) (jumbfBox, bool) {
	if depth > jumbfMaxDepth {
		return jumbfBox{}, false
	}
	boxes, ok := splitBoxes(content)
	if !ok || len(boxes) == 0 || boxes[0].typ != "jumd" {
		return jumbfBox{}, false
	}
	sb := jumbfBox{typ: "jumb", size: len(content)}

	desc := boxes[0].payload
	if len(desc) < jumdUUIDLen+1 {
		return jumbfBox{}, false
	}
	if desc[jumdUUIDLen]&jumdLabelPresent != 0 {
		label := desc[jumdUUIDLen+1:]
		if end := bytes.IndexByte(label, 0); end >= 0 {
			label = label[:end]
		}
		sb.label = string(label)
	}

	for _, b := range boxes[1:] {
		if b.typ == "jumb" {
			child, ok := parseSuperbox(b.payload, depth+1)
			if !ok {
				return jumbfBox{}, false
			}
			sb.children = append(sb.children, child)
			continue
		}
		sb.children = append(sb.children, jumbfBox{typ: b.typ, size: len(b.payload)})
	}
	return sb, true
}

// hasContent reports whether a superbox holds at least one non-empty content box.
func (b jumbfBox) hasContent() bool {
	for _, c := range b.children {
		if c.typ != "jumb" && c.size > 0 {
			return true
		}
	}
	return false
}

// validManifestStore reports whether payload is a C2PA manifest store with
// at least one manifest holding a claim and a claim signature.
func validManifestStore(payload []byte) bool {
	boxes, ok := splitBoxes(payload)
	if !ok || len(boxes) == 0 || boxes[0].typ != "jumb" {
		return false
	}
	store, ok := parseSuperbox(boxes[0].payload, 0)
	if !ok || store.label != c2paStoreLabel {
		return false
	}
	for _, manifest := range store.children {
		if manifest.typ != "jumb" {
			continue
		}
		var claim, signature bool
		for _, c := range manifest.children {
			if c.typ != "jumb" || !c.hasContent() {
				continue
			}
			switch {
			case c.label == c2paSignatureLabel:
				signature = true
			case c.label == c2paClaimLabel || strings.HasPrefix(c.label, c2paClaimLabel+".v"):
				claim = true
			}
		}
		if claim && signature {
			return true
		}
	}
	return false
}
