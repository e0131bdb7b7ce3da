// File: client/request.go
// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/momentics/wscore/api"
	"github.com/momentics/wscore/protocol"
)

// Target is a resolved connection URL.
type Target struct {
	URL        *url.URL
	Addr       string // host:port to dial
	ServerName string // TLS server name
	Secure     bool
	Request    *protocol.ClientRequest
}

// NewRequest resolves rawURL into a dial address and an upgrade request.
// Missing ports default to 80 for ws/http and 443 for wss/https. Userinfo
// becomes a Basic Authorization header.
func NewRequest(rawURL, protocols, extensions string) (*Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeParam, "parse url", err)
	}
	var secure bool
	var port string
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		port = "80"
	case "wss", "https":
		secure, port = true, "443"
	default:
		return nil, api.Param("unsupported scheme, use ws, wss, http or https").WithContext("scheme", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, api.Param("url has no host").WithContext("url", rawURL)
	}
	if p := u.Port(); p != "" {
		port = p
	}

	hdr := make(http.Header)
	if u.User != nil {
		pass, _ := u.User.Password()
		cred := u.User.Username() + ":" + pass
		hdr.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cred)))
	}
	return &Target{
		URL:        u,
		Addr:       net.JoinHostPort(host, port),
		ServerName: host,
		Secure:     secure,
		Request: &protocol.ClientRequest{
			Path:       u.RequestURI(),
			Host:       u.Host,
			Origin:     strings.ToLower(u.Scheme) + "://" + u.Host,
			Header:     hdr,
			Protocols:  protocols,
			Extensions: extensions,
		},
	}, nil
}
