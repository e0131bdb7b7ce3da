// File: protocol/handshake.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server side of the opening handshake: header validation, accept token
// computation and subprotocol/extension negotiation.

package protocol

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/momentics/wscore/api"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	MaxHandshakeHeadersSize  = 8192
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"
	HeaderSecWebSocketProto  = "Sec-WebSocket-Protocol"
	HeaderSecWebSocketExt    = "Sec-WebSocket-Extensions"
	RequiredWebSocketVersion = "13"
)

var (
	ErrInvalidUpgradeHeaders = api.Protocol("invalid WebSocket upgrade headers", nil)
	ErrMissingWebSocketKey   = api.Protocol("missing Sec-WebSocket-Key header", nil)
	ErrBadWebSocketVersion   = api.Protocol("unsupported WebSocket version; only '13' is supported", nil)
	ErrHeadersTooLarge       = api.Protocol("handshake headers too large", nil)
)

// Negotiation is the outcome of a successful server handshake.
type Negotiation struct {
	Accept    string
	Protocol  string
	Extension string
	// Header holds the response headers for the 101 reply.
	Header http.Header
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the client's key.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// Negotiate validates the upgrade request headers and selects a subprotocol
// and an extension.
//
// allowedProtocols and allowedExtensions are comma or whitespace separated
// lists. The selected value is the first entry of the allowed list, in the
// allowed list's order, that the client also offered. An empty allowed list
// accepts the client's first offer. No common entry leaves the value empty and
// the upgrade proceeds without it.
func Negotiate(h http.Header, allowedProtocols, allowedExtensions string) (*Negotiation, error) {
	total := 0
	for k, vs := range h {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
		if total > MaxHandshakeHeadersSize {
			return nil, ErrHeadersTooLarge
		}
	}

	if !headerContainsToken(h, HeaderConnection, "Upgrade") ||
		!headerContainsToken(h, HeaderUpgrade, "websocket") {
		return nil, ErrInvalidUpgradeHeaders
	}
	if h.Get(HeaderSecWebSocketVer) != RequiredWebSocketVersion {
		return nil, ErrBadWebSocketVersion
	}
	key := strings.TrimSpace(h.Get(HeaderSecWebSocketKey))
	if key == "" {
		return nil, ErrMissingWebSocketKey
	}

	n := &Negotiation{
		Accept:    ComputeAcceptKey(key),
		Protocol:  FirstMatch(allowedProtocols, strings.Join(h.Values(HeaderSecWebSocketProto), ",")),
		Extension: FirstMatch(allowedExtensions, strings.Join(h.Values(HeaderSecWebSocketExt), ",")),
	}
	n.Header = make(http.Header)
	n.Header.Set(HeaderUpgrade, "websocket")
	n.Header.Set(HeaderConnection, "Upgrade")
	n.Header.Set(HeaderSecWebSocketAccept, n.Accept)
	if n.Protocol != "" {
		n.Header.Set(HeaderSecWebSocketProto, n.Protocol)
	}
	if n.Extension != "" {
		n.Header.Set(HeaderSecWebSocketExt, n.Extension)
	}
	return n, nil
}

// FirstMatch returns the first entry of allowed that also appears in offered.
// An empty allowed list yields the first entry of offered.
func FirstMatch(allowed, offered string) string {
	offers := SplitList(offered)
	if len(offers) == 0 {
		return ""
	}
	allow := SplitList(allowed)
	if len(allow) == 0 {
		return offers[0]
	}
	for _, a := range allow {
		for _, o := range offers {
			if strings.EqualFold(a, o) {
				return a
			}
		}
	}
	return ""
}

// SplitList splits a comma or whitespace separated header list.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// WriteHandshakeResponse writes the 101 reply with hdr to w.
func WriteHandshakeResponse(w io.Writer, hdr http.Header) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return api.Socket("write handshake status", err)
	}
	if err := hdr.Write(bw); err != nil {
		return api.Socket("write handshake headers", err)
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return api.Socket("write handshake terminator", err)
	}
	if err := bw.Flush(); err != nil {
		return api.Socket("flush handshake", err)
	}
	return nil
}

// WriteHandshakeError writes a plain HTTP error reply for a rejected upgrade.
func WriteHandshakeError(w io.Writer, status int, reason error) error {
	body := reason.Error()
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
	return err
}

// headerContainsToken checks if headerName contains the given token, case-insensitive.
func headerContainsToken(h http.Header, headerName, token string) bool {
	for _, v := range h.Values(headerName) {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), token) {
				return true
			}
		}
	}
	return false
}
