// Package proto defines the control channel spoken between the master and a
// worker: a stream of frames, each `cmd(1) | length(2, big endian) | payload`,
// where the payload is a JSON document. The only master->worker message that
// carries a descriptor is UDPFd.
package proto

import "fmt"

// Cmd identifies a control frame.
type Cmd uint8

const (
	// worker -> master
	CmdSessionID Cmd = iota + 1
	CmdLeaseRequest
	CmdResumeStore
	CmdResumeFetch
	CmdResumeDelete
	CmdCookieIssue
	CmdCookieAuth
	CmdDisconnect

	// master -> worker
	CmdUDPFd Cmd = iota + 64
	CmdLeaseReply
	CmdResumeReply
	CmdCookieReply
	CmdAuthReply
)

var cmdNames = map[Cmd]string{
	CmdSessionID:    "session_id",
	CmdLeaseRequest: "lease_request",
	CmdResumeStore:  "resume_store",
	CmdResumeFetch:  "resume_fetch",
	CmdResumeDelete: "resume_delete",
	CmdCookieIssue:  "cookie_issue",
	CmdCookieAuth:   "cookie_auth",
	CmdDisconnect:   "disconnect",
	CmdUDPFd:        "udp_fd",
	CmdLeaseReply:   "lease_reply",
	CmdResumeReply:  "resume_reply",
	CmdCookieReply:  "cookie_reply",
	CmdAuthReply:    "auth_reply",
}

func (c Cmd) String() string {
	if s, ok := cmdNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cmd(%d)", uint8(c))
}

// FromWorker reports whether c is a command a worker may send.
func (c Cmd) FromWorker() bool { return c >= CmdSessionID && c <= CmdDisconnect }

// SessionID reports the DTLS session id the worker negotiated with its client.
type SessionID struct {
	SessionID []byte `json:"session_id"`
}

// LeaseRequest asks the master for a tunnel address pair.
type LeaseRequest struct{}

// LeaseReply carries the allocated pair, or Error when none is available.
type LeaseReply struct {
	Local  string `json:"local,omitempty"`
	Remote string `json:"remote,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ResumeStore saves a serialized TLS session under ID.
type ResumeStore struct {
	ID   []byte `json:"id"`
	Data []byte `json:"data"`
}

// ResumeFetch looks up a TLS session.
type ResumeFetch struct {
	ID []byte `json:"id"`
}

// ResumeReply answers ResumeFetch.
type ResumeReply struct {
	Found bool   `json:"found"`
	Data  []byte `json:"data,omitempty"`
}

// ResumeDelete drops a TLS session.
type ResumeDelete struct {
	ID []byte `json:"id"`
}

// CookieIssue asks for a session cookie for an authenticated user.
type CookieIssue struct {
	User string `json:"user"`
}

// CookieReply returns the new cookie.
type CookieReply struct {
	Cookie []byte `json:"cookie,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CookieAuth presents a cookie for validation.
type CookieAuth struct {
	Cookie []byte `json:"cookie"`
}

// AuthReply answers CookieAuth.
type AuthReply struct {
	OK   bool   `json:"ok"`
	User string `json:"user,omitempty"`
}

// Disconnect announces an orderly worker exit.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

// UDPFd accompanies the UDP socket handed to a worker. Peer is the client
// address the first datagram came from, as "ip:port".
type UDPFd struct {
	Peer string `json:"peer"`
}
