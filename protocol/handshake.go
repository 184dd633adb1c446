// File: protocol/handshake.go
// Package protocol implements HTTP→WebSocket handshake logic with strict validation.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Both sides of the RFC6455 opening handshake. Request and response heads
// are accumulated by the caller from a non-blocking socket and handed over
// once HeaderEnd finds the terminating blank line.

package protocol

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	MaxHandshakeHeadersSize  = 8192
	RequiredWebSocketVersion = "13"
)

var (
	ErrInvalidUpgradeHeaders = errors.New("invalid WebSocket upgrade headers")
	ErrMissingWebSocketKey   = errors.New("missing Sec-WebSocket-Key header")
	ErrBadWebSocketVersion   = errors.New("unsupported WebSocket version; only '13' is supported")
	ErrHeadersTooLarge       = errors.New("handshake headers too large")
	ErrAcceptMismatch        = errors.New("Sec-WebSocket-Accept mismatch")
)

var headerTerminator = []byte("\r\n\r\n")

// HeaderEnd returns the length of the HTTP head at the start of raw
// including the blank line, or 0 if it is not complete yet.
func HeaderEnd(raw []byte) (int, error) {
	i := bytes.Index(raw, headerTerminator)
	if i < 0 {
		if len(raw) > MaxHandshakeHeadersSize {
			return 0, ErrHeadersTooLarge
		}
		return 0, nil
	}
	if i > MaxHandshakeHeadersSize {
		return 0, ErrHeadersTooLarge
	}
	return i + len(headerTerminator), nil
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the client's key.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// NewClientKey returns a random base64 Sec-WebSocket-Key.
func NewClientKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// BuildClientHandshake renders the upgrade request for u.
func BuildClientHandshake(u *url.URL, key string) []byte {
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	fmt.Fprintf(&b, "Sec-WebSocket-Version: %s\r\n", RequiredWebSocketVersion)
	b.WriteString("\r\n")
	return b.Bytes()
}

// VerifyServerHandshake checks the server's response head against key.
func VerifyServerHandshake(head []byte, key string) error {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), nil)
	if err != nil {
		return fmt.Errorf("handshake read response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("handshake rejected: %s", resp.Status)
	}
	if !headerContainsToken(resp.Header, "Connection", "Upgrade") ||
		!headerContainsToken(resp.Header, "Upgrade", "websocket") {
		return ErrInvalidUpgradeHeaders
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != ComputeAcceptKey(key) {
		return ErrAcceptMismatch
	}
	return nil
}

// ParseUpgradeRequest parses a request head collected by the server.
func ParseUpgradeRequest(head []byte) (*http.Request, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, fmt.Errorf("handshake read request: %w", err)
	}
	return req, nil
}

// UpgradeToWebSocket validates the request headers for a WebSocket upgrade
// and returns the headers needed to complete the handshake.
func UpgradeToWebSocket(r *http.Request) (http.Header, error) {
	total := 0
	for k, vs := range r.Header {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
		if total > MaxHandshakeHeadersSize {
			return nil, ErrHeadersTooLarge
		}
	}
	if r.Method != http.MethodGet {
		return nil, ErrInvalidUpgradeHeaders
	}
	if !headerContainsToken(r.Header, "Connection", "Upgrade") ||
		!headerContainsToken(r.Header, "Upgrade", "websocket") {
		return nil, ErrInvalidUpgradeHeaders
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, ErrMissingWebSocketKey
	}
	if r.Header.Get("Sec-WebSocket-Version") != RequiredWebSocketVersion {
		return nil, ErrBadWebSocketVersion
	}

	resp := make(http.Header)
	resp.Set("Upgrade", "websocket")
	resp.Set("Connection", "Upgrade")
	resp.Set("Sec-WebSocket-Accept", ComputeAcceptKey(key))
	return resp, nil
}

// WriteHandshakeResponse writes the 101 status line and hdr to w.
func WriteHandshakeResponse(w io.Writer, hdr http.Header) error {
	if _, err := io.WriteString(w, "HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	if err := hdr.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteHandshakeReject writes a plain HTTP error response.
func WriteHandshakeReject(w io.Writer, status int) error {
	text := http.StatusText(status)
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, text, len(text), text)
	return err
}

// headerContainsToken checks if headerName contains the given token, case-insensitive.
func headerContainsToken(h http.Header, headerName, token string) bool {
	vals := h[http.CanonicalHeaderKey(headerName)]
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), token) {
				return true
			}
		}
	}
	return false
}
