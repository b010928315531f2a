// Package dtls decodes just enough of a DTLS ClientHello to learn which
// session it wants to resume. Input is untrusted: every offset is checked
// against the buffer length before it is read.
package dtls

import (
	"errors"
	"fmt"
)

const (
	// RecordHeaderLen is the size of the DTLS record header; the handshake
	// message starts right after it.
	RecordHeaderLen = 13
	// SessionIDOffset is the position of the session-id length byte inside
	// the handshake body.
	SessionIDOffset = 46
	// MaxSessionIDLen is the largest session id a ClientHello may carry.
	MaxSessionIDLen = 32
	// MinProbeLen is the shortest datagram the resolver will inspect.
	MinProbeLen = RecordHeaderLen + SessionIDOffset + MaxSessionIDLen + 2

	// ContentTypeHandshake is the record content type of a handshake message.
	ContentTypeHandshake = 22
	// HandshakeClientHello is the handshake msg_type of a ClientHello.
	HandshakeClientHello = 1

	sessionIDLenPos = RecordHeaderLen + SessionIDOffset
	// client_version follows the 12 byte DTLS handshake header
	clientVersionPos = RecordHeaderLen + 12
)

var (
	ErrShortProbe       = errors.New("dtls: probe too short")
	ErrVersion          = errors.New("dtls: unknown version")
	ErrContentType      = errors.New("dtls: not a handshake record")
	ErrSessionIDLength  = errors.New("dtls: session id length out of range")
	ErrUnknownPolicy    = errors.New("dtls: unknown version policy")
	ErrSessionIDTooLong = fmt.Errorf("dtls: session id longer than %d bytes", MaxSessionIDLen)
)

// Version is a (major, minor) protocol version pair as encoded on the wire.
type Version struct {
	Major, Minor uint8
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

var (
	VersionDTLS10    = Version{254, 255}
	VersionDTLS12    = Version{254, 253}
	VersionDTLSPre10 = Version{1, 0} // OpenSSL pre-RFC DTLS, still sent by old AnyConnect clients
)

// VersionPolicy decides which record/hello version pairs are acceptable.
type VersionPolicy int

const (
	// PolicyLegacy rejects a probe only when all four historical byte
	// comparisons fail at once. It accepts some version pairs that are not
	// valid DTLS; the length and content-type checks still bound the damage.
	PolicyLegacy VersionPolicy = iota
	// PolicyStrict requires a known DTLS record version, a client_hello
	// msg_type and a known DTLS client_version at its real offset.
	PolicyStrict
)

// ParseVersionPolicy maps a config string to a VersionPolicy.
func ParseVersionPolicy(s string) (VersionPolicy, error) {
	switch s {
	case "", "legacy":
		return PolicyLegacy, nil
	case "strict":
		return PolicyStrict, nil
	}
	return PolicyLegacy, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

func (p VersionPolicy) String() string {
	if p == PolicyStrict {
		return "strict"
	}
	return "legacy"
}

// ClientHello is the part of a DTLS ClientHello the master cares about.
type ClientHello struct {
	RecordVersion Version

	// HelloVersion is the byte pair opening the handshake message, which the
	// legacy check compares. In a well-formed hello it holds msg_type and the
	// high byte of the message length, not a version.
	HelloVersion Version

	// ClientVersion is the handshake client_version field.
	ClientVersion Version
	SessionID     []byte
}

// ParseClientHello inspects the first datagram of a DTLS flow. The returned
// session id is a copy and does not alias b.
func ParseClientHello(b []byte, policy VersionPolicy) (ClientHello, error) {
	var h ClientHello
	if len(b) < MinProbeLen {
		return h, fmt.Errorf("%w: %d < %d", ErrShortProbe, len(b), MinProbeLen)
	}
	h.RecordVersion = Version{b[1], b[2]}
	h.HelloVersion = Version{b[RecordHeaderLen], b[RecordHeaderLen+1]}
	h.ClientVersion = Version{b[clientVersionPos], b[clientVersionPos+1]}
	if !policy.accepts(h) {
		return h, fmt.Errorf("%w: record %s hello %s", ErrVersion, h.RecordVersion, h.HelloVersion)
	}
	if b[0] != ContentTypeHandshake {
		return h, fmt.Errorf("%w: content type %d", ErrContentType, b[0])
	}
	n := int(b[sessionIDLenPos])
	if n > MaxSessionIDLen || sessionIDLenPos+1+n > len(b) {
		return h, fmt.Errorf("%w: %d", ErrSessionIDLength, n)
	}
	h.SessionID = append([]byte(nil), b[sessionIDLenPos+1:sessionIDLenPos+1+n]...)
	return h, nil
}

func (p VersionPolicy) accepts(h ClientHello) bool {
	rec, hello := h.RecordVersion, h.HelloVersion
	if p == PolicyStrict {
		return knownVersion(rec) && hello.Major == HandshakeClientHello && knownVersion(h.ClientVersion)
	}
	reject := rec.Major != 254 && (rec.Major != 1 && rec.Minor != 0) &&
		hello.Major != 254 && (hello.Major != 0 && hello.Minor != 0)
	return !reject
}

func knownVersion(v Version) bool {
	return v == VersionDTLS10 || v == VersionDTLS12 || v == VersionDTLSPre10
}

// BuildClientHello encodes a minimal ClientHello record carrying sessionID at
// the offsets ParseClientHello reads. It is used by the probe tool and tests;
// the cookie, cipher suite and compression fields are filled with plausible
// fixed values.
func BuildClientHello(v Version, sessionID []byte) ([]byte, error) {
	if len(sessionID) > MaxSessionIDLen {
		return nil, ErrSessionIDTooLong
	}
	// handshake header (12) + client_version (2) + random (32) = 46
	body := make([]byte, 0, 128)
	body = append(body, 1)       // msg_type client_hello
	body = append(body, 0, 0, 0) // length, patched below
	body = append(body, 0, 0)    // message_seq
	body = append(body, 0, 0, 0) // fragment_offset
	body = append(body, 0, 0, 0) // fragment_length, patched below
	body = append(body, v.Major, v.Minor)
	body = append(body, make([]byte, 32)...) // random
	body = append(body, byte(len(sessionID)))
	body = append(body, sessionID...)
	body = append(body, 0)             // cookie length
	body = append(body, 0, 2, 0, 0x2f) // cipher suites: TLS_RSA_WITH_AES_128_CBC_SHA
	body = append(body, 1, 0)          // compression methods: null
	for len(body) < MinProbeLen-RecordHeaderLen {
		body = append(body, 0)
	}
	msgLen := len(body) - 12
	putUint24(body[1:4], msgLen)
	putUint24(body[9:12], msgLen)

	rec := make([]byte, RecordHeaderLen, RecordHeaderLen+len(body))
	rec[0] = ContentTypeHandshake
	rec[1], rec[2] = v.Major, v.Minor
	// epoch (2) + sequence number (6) stay zero
	rec[11] = byte(len(body) >> 8)
	rec[12] = byte(len(body))
	return append(rec, body...), nil
}

func putUint24(b []byte, v int) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}
