package dtls

import (
	"bytes"
	"errors"
	"testing"
)

func mustHello(t *testing.T, v Version, sid []byte) []byte {
	t.Helper()
	b, err := BuildClientHello(v, sid)
	if err != nil {
		t.Fatalf("BuildClientHello: %v", err)
	}
	return b
}

func TestParseClientHello(t *testing.T) {
	sid := bytes.Repeat([]byte{0xab}, 32)

	tests := []struct {
		name    string
		packet  func() []byte
		policy  VersionPolicy
		wantErr error
		wantSID []byte
	}{
		{
			name:    "dtls 1.0 full session id",
			packet:  func() []byte { return mustHello(t, VersionDTLS10, sid) },
			wantSID: sid,
		},
		{
			name:    "dtls 1.2 strict",
			packet:  func() []byte { return mustHello(t, VersionDTLS12, sid[:16]) },
			policy:  PolicyStrict,
			wantSID: sid[:16],
		},
		{
			name:    "empty session id",
			packet:  func() []byte { return mustHello(t, VersionDTLS10, nil) },
			wantSID: []byte{},
		},
		{
			name: "not a handshake",
			packet: func() []byte {
				b := mustHello(t, VersionDTLS10, sid)
				b[0] = 23
				return b
			},
			wantErr: ErrContentType,
		},
		{
			name: "session id length over 32",
			packet: func() []byte {
				b := mustHello(t, VersionDTLS10, sid)
				b[sessionIDLenPos] = 33
				return b
			},
			wantErr: ErrSessionIDLength,
		},
		{
			name: "session id length 255",
			packet: func() []byte {
				b := mustHello(t, VersionDTLS10, sid)
				b[sessionIDLenPos] = 255
				return b
			},
			wantErr: ErrSessionIDLength,
		},
		{
			name: "garbage versions rejected by legacy",
			packet: func() []byte {
				b := mustHello(t, VersionDTLS10, sid)
				b[1], b[2] = 3, 3
				b[RecordHeaderLen], b[RecordHeaderLen+1] = 3, 3
				return b
			},
			wantErr: ErrVersion,
		},
		{
			name: "tls record version accepted by legacy",
			packet: func() []byte {
				b := mustHello(t, VersionDTLS10, sid)
				b[1], b[2] = 3, 1
				return b
			},
			wantSID: sid,
		},
		{
			name: "tls record version rejected by strict",
			packet: func() []byte {
				b := mustHello(t, VersionDTLS10, sid)
				b[1], b[2] = 3, 1
				return b
			},
			policy:  PolicyStrict,
			wantErr: ErrVersion,
		},
		{
			name: "non-hello handshake accepted by legacy",
			packet: func() []byte {
				b := mustHello(t, VersionDTLS12, sid)
				b[RecordHeaderLen] = 2
				return b
			},
			wantSID: sid,
		},
		{
			name: "non-hello handshake rejected by strict",
			packet: func() []byte {
				b := mustHello(t, VersionDTLS12, sid)
				b[RecordHeaderLen] = 2
				return b
			},
			policy:  PolicyStrict,
			wantErr: ErrVersion,
		},
		{
			name: "strict reads client_version at its real offset",
			packet: func() []byte {
				b := mustHello(t, VersionDTLS12, sid)
				b[clientVersionPos], b[clientVersionPos+1] = 3, 3
				return b
			},
			policy:  PolicyStrict,
			wantErr: ErrVersion,
		},
		{
			name:    "one byte short",
			packet:  func() []byte { return mustHello(t, VersionDTLS10, sid)[:MinProbeLen-1] },
			wantErr: ErrShortProbe,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ParseClientHello(tt.packet(), tt.policy)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(h.SessionID, tt.wantSID) {
				t.Fatalf("session id = %x, want %x", h.SessionID, tt.wantSID)
			}
		})
	}
}

func TestParseClientHello_EveryTruncation(t *testing.T) {
	full := mustHello(t, VersionDTLS10, bytes.Repeat([]byte{7}, 32))
	for n := 0; n < MinProbeLen; n++ {
		if _, err := ParseClientHello(full[:n], PolicyLegacy); !errors.Is(err, ErrShortProbe) {
			t.Fatalf("len %d: expected ErrShortProbe, got %v", n, err)
		}
	}
}

func TestParseClientHello_DoesNotAliasInput(t *testing.T) {
	b := mustHello(t, VersionDTLS10, []byte{1, 2, 3, 4})
	h, err := ParseClientHello(b, PolicyLegacy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b[sessionIDLenPos+1] = 99
	if h.SessionID[0] != 1 {
		t.Fatal("session id aliases the datagram buffer")
	}
}

func TestBuildClientHello_RejectsLongSessionID(t *testing.T) {
	if _, err := BuildClientHello(VersionDTLS10, make([]byte, 33)); !errors.Is(err, ErrSessionIDTooLong) {
		t.Fatalf("expected ErrSessionIDTooLong, got %v", err)
	}
}

func TestParseVersionPolicy(t *testing.T) {
	for in, want := range map[string]VersionPolicy{"": PolicyLegacy, "legacy": PolicyLegacy, "strict": PolicyStrict} {
		got, err := ParseVersionPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseVersionPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseVersionPolicy("lax"); !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("expected ErrUnknownPolicy, got %v", err)
	}
}

func FuzzParseClientHello(f *testing.F) {
	seed, _ := BuildClientHello(VersionDTLS12, bytes.Repeat([]byte{1}, 32))
	f.Add(seed)
	f.Add([]byte{})
	f.Add(make([]byte, MinProbeLen))
	f.Fuzz(func(t *testing.T, b []byte) {
		for _, p := range []VersionPolicy{PolicyLegacy, PolicyStrict} {
			h, err := ParseClientHello(b, p)
			if err != nil {
				continue
			}
			if len(h.SessionID) > MaxSessionIDLen {
				t.Fatalf("session id of %d bytes accepted", len(h.SessionID))
			}
			if len(b) < MinProbeLen {
				t.Fatalf("accepted %d-byte probe", len(b))
			}
		}
	})
}
