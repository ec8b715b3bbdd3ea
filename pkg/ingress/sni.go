package ingress

// maxSNILength is spec.md §4.3 step 6(b)'s "fixed maximum 64 bytes" bound
// on the server-name extension payload considered for SNI routing.
const maxSNILength = 64

// extractSNI parses a TLS ClientHello's server_name extension from the
// first TCP payload segment of a new connection, per spec.md §4.3 step
// 6(b). It is a narrow, self-contained binary-format parse (like
// pkg/checksum's RFC 1071 arithmetic) rather than a library concern: no
// corpus dependency offers bare ClientHello/SNI extraction without
// pulling in a full TLS handshake stack.
//
// Returns ok=false on any malformed, truncated, or non-ClientHello input;
// callers must fall through to the listen entry's default target group
// rather than treat this as an error (spec.md §7: parse failures here are
// not verifier-bound errors, but a plain "doesn't look like a ClientHello
// with SNI").
func extractSNI(payload []byte) (hostname string, ok bool) {
	// TLS record header: type(1) version(2) length(2).
	if len(payload) < 5 || payload[0] != 0x16 {
		return "", false
	}
	recLen := int(payload[3])<<8 | int(payload[4])
	rec := payload[5:]
	if len(rec) < recLen {
		recLen = len(rec) // tolerate payload spanning multiple reads
	}
	rec = rec[:recLen]

	// Handshake header: msg_type(1) length(3).
	if len(rec) < 4 || rec[0] != 0x01 {
		return "", false
	}
	body := rec[4:]

	// ClientHello: version(2) random(32) session_id_len(1)+session_id
	if len(body) < 34 {
		return "", false
	}
	off := 2 + 32
	if off >= len(body) {
		return "", false
	}
	sidLen := int(body[off])
	off++
	off += sidLen
	if off+2 > len(body) {
		return "", false
	}

	// cipher_suites_len(2) + cipher_suites
	csLen := int(body[off])<<8 | int(body[off+1])
	off += 2 + csLen
	if off+1 > len(body) {
		return "", false
	}

	// compression_methods_len(1) + compression_methods
	cmLen := int(body[off])
	off += 1 + cmLen
	if off+2 > len(body) {
		return "", false
	}

	// extensions_len(2) + extensions
	extTotalLen := int(body[off])<<8 | int(body[off+1])
	off += 2
	if off+extTotalLen > len(body) {
		extTotalLen = len(body) - off
	}
	extensions := body[off : off+extTotalLen]

	for len(extensions) >= 4 {
		extType := int(extensions[0])<<8 | int(extensions[1])
		extLen := int(extensions[2])<<8 | int(extensions[3])
		extensions = extensions[4:]
		if extLen > len(extensions) {
			return "", false
		}
		extData := extensions[:extLen]
		extensions = extensions[extLen:]

		if extType != 0x0000 { // server_name
			continue
		}
		return parseServerNameExtension(extData)
	}
	return "", false
}

// parseServerNameExtension parses the server_name_list of RFC 6066 §3.
func parseServerNameExtension(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	listLen := int(data[0])<<8 | int(data[1])
	data = data[2:]
	if listLen > len(data) {
		listLen = len(data)
	}
	data = data[:listLen]

	for len(data) >= 3 {
		nameType := data[0]
		nameLen := int(data[1])<<8 | int(data[2])
		data = data[3:]
		if nameLen > len(data) {
			return "", false
		}
		name := data[:nameLen]
		data = data[nameLen:]
		if nameType != 0x00 { // host_name
			continue
		}
		if len(name) == 0 || len(name) > maxSNILength {
			return "", false
		}
		return lowerASCII(string(name)), true
	}
	return "", false
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
