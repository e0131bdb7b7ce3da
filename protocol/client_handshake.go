// File: protocol/client_handshake.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Client side of the opening handshake over a raw socket.

package protocol

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/momentics/wscore/api"
)

var (
	ErrBadStatusLine       = api.Protocol("handshake response is not 101 Switching Protocols", nil)
	ErrMissingUpgrade      = api.Protocol("handshake response lacks Upgrade: websocket", nil)
	ErrMissingConnection   = api.Protocol("handshake response lacks Connection: Upgrade", nil)
	ErrMissingAccept       = api.Protocol("handshake response lacks Sec-WebSocket-Accept", nil)
	ErrAcceptMismatch      = api.Protocol("Sec-WebSocket-Accept does not match the request key", nil)
	ErrMalformedHeaderLine = api.Protocol("malformed handshake header line", nil)
)

// ClientRequest describes the upgrade request sent by a client.
type ClientRequest struct {
	Method     string // defaults to GET
	Path       string // request target, defaults to "/"
	Host       string
	Origin     string
	Header     http.Header // extra caller headers
	Protocols  string      // offered subprotocols, comma separated
	Extensions string      // offered extensions, comma separated
}

// HandshakeResult carries what the server agreed to.
type HandshakeResult struct {
	StatusLine string
	Protocol   string
	Extension  string
	Header     http.Header
}

// NewSecKey returns a fresh base64 encoded 16-byte nonce.
func NewSecKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", api.Wrap(api.ErrCodeMemory, "generate Sec-WebSocket-Key", err)
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// WriteClientHandshake writes the upgrade request to w.
func WriteClientHandshake(w io.Writer, req *ClientRequest, key string) error {
	if req == nil || req.Host == "" || key == "" {
		return api.Param("client handshake needs a host and a key")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	path := req.Path
	if path == "" {
		path = "/"
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(bw, "Host: %s\r\n", req.Host)
	bw.WriteString("Upgrade: websocket\r\n")
	bw.WriteString("Connection: Upgrade\r\n")
	if req.Origin != "" {
		fmt.Fprintf(bw, "Origin: %s\r\n", req.Origin)
	}
	for k, vs := range req.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Host", HeaderUpgrade, HeaderConnection, "Origin",
			HeaderSecWebSocketKey, HeaderSecWebSocketVer:
			continue
		}
		for _, v := range vs {
			fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(bw, "%s: %s\r\n", HeaderSecWebSocketKey, key)
	fmt.Fprintf(bw, "%s: %s\r\n", HeaderSecWebSocketVer, RequiredWebSocketVersion)
	if req.Protocols != "" {
		fmt.Fprintf(bw, "%s: %s\r\n", HeaderSecWebSocketProto, req.Protocols)
	}
	if req.Extensions != "" {
		fmt.Fprintf(bw, "%s: %s\r\n", HeaderSecWebSocketExt, req.Extensions)
	}
	bw.WriteString("\r\n")
	if err := bw.Flush(); err != nil {
		return api.Socket("write client handshake", err)
	}
	return nil
}

// ReadClientHandshake reads the server response header block from r and
// validates it against key. It returns any bytes read past the header block,
// which belong to the frame stream.
//
// The header block is accumulated chunk by chunk; each pass rescans only the
// bytes after the last examined offset. maxHeader bounds the block size
// (MaxHandshakeHeadersSize when <= 0).
func ReadClientHandshake(r io.Reader, key string, maxHeader int) (*HandshakeResult, []byte, error) {
	if maxHeader <= 0 {
		maxHeader = MaxHandshakeHeadersSize
	}
	buf := make([]byte, 0, 512)
	chunk := make([]byte, 512)
	scanFrom := 0
	end := -1
	for end < 0 {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if i := bytes.Index(buf[scanFrom:], []byte("\r\n\r\n")); i >= 0 {
			end = scanFrom + i + 4
			break
		}
		// the terminator may straddle two chunks
		if scanFrom = len(buf) - 3; scanFrom < 0 {
			scanFrom = 0
		}
		if len(buf) > maxHeader {
			return nil, nil, ErrHeadersTooLarge
		}
		if err != nil {
			return nil, nil, api.Socket("read handshake response", err)
		}
	}
	if end > maxHeader {
		return nil, nil, ErrHeadersTooLarge
	}

	lines := strings.Split(string(buf[:end-4]), "\r\n")
	res := &HandshakeResult{StatusLine: lines[0], Header: make(http.Header)}
	if err := checkStatusLine(lines[0]); err != nil {
		return nil, nil, err
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, nil, fmt.Errorf("%w: %q", ErrMalformedHeaderLine, line)
		}
		res.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	switch {
	case !headerContainsToken(res.Header, HeaderUpgrade, "websocket"):
		return nil, nil, ErrMissingUpgrade
	case !headerContainsToken(res.Header, HeaderConnection, "Upgrade"):
		return nil, nil, ErrMissingConnection
	case res.Header.Get(HeaderSecWebSocketAccept) == "":
		return nil, nil, ErrMissingAccept
	case res.Header.Get(HeaderSecWebSocketAccept) != ComputeAcceptKey(key):
		return nil, nil, ErrAcceptMismatch
	}
	res.Protocol = res.Header.Get(HeaderSecWebSocketProto)
	res.Extension = res.Header.Get(HeaderSecWebSocketExt)

	rest := append([]byte(nil), buf[end:]...)
	return res, rest, nil
}

func checkStatusLine(line string) error {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return fmt.Errorf("%w: %q", ErrBadStatusLine, line)
	}
	code, reason, _ := strings.Cut(rest, " ")
	if c, err := strconv.Atoi(code); err != nil || c != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: %q", ErrBadStatusLine, line)
	}
	if !strings.EqualFold(strings.TrimSpace(reason), "Switching Protocols") {
		return fmt.Errorf("%w: %q", ErrBadStatusLine, line)
	}
	return nil
}
