package connmgr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/shayananique/BitChatClient/transport"
)

// echoResponseMaxSize bounds the echo response body read: flag, family tag,
// 16 address bytes, and the port.
const echoResponseMaxSize = 1 + 1 + 16 + 2

// ErrEchoResponseFormat indicates an echo service response that does not
// follow the binary frame layout.
var ErrEchoResponseFormat = errors.New("malformed echo response")

// echoResponse is the decoded reply of the connectivity echo service.
type echoResponse struct {
	// Reachable is the service's verdict: it connected back to the queried
	// external port.
	Reachable bool
	// Endpoint is the public address and port the caller was seen from, nil
	// when the service could not tell.
	Endpoint *transport.Endpoint
}

// parseEchoResponse decodes the binary echo frame:
//
//	[success (1 byte)][family tag (1 byte)][IP (4 or 16 bytes)][port (2 bytes, LE)]
//
// A family tag other than 1 or 2 means no endpoint was observed.
func parseEchoResponse(data []byte) (*echoResponse, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrEchoResponseFormat, len(data))
	}
	resp := &echoResponse{Reachable: data[0] != 0}

	var ipLen int
	switch transport.AddressFamily(data[1]) {
	case transport.FamilyIPv4:
		ipLen = net.IPv4len
	case transport.FamilyIPv6:
		ipLen = net.IPv6len
	default:
		return resp, nil
	}

	if len(data) < 2+ipLen+2 {
		return nil, fmt.Errorf("%w: truncated address", ErrEchoResponseFormat)
	}
	ip := make(net.IP, ipLen)
	copy(ip, data[2:2+ipLen])
	port := binary.LittleEndian.Uint16(data[2+ipLen:])

	resp.Endpoint = &transport.Endpoint{IP: ip, Port: port}
	return resp, nil
}

// requestEcho asks the echo service whether the given external port is
// reachable from the internet and from which address the host was seen.
func requestEcho(client *http.Client, serviceURL string, externalPort uint16) (*echoResponse, error) {
	url := fmt.Sprintf("%s?port=%d", serviceURL, externalPort)
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("echo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("echo request failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, echoResponseMaxSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read echo response: %w", err)
	}
	return parseEchoResponse(body)
}

// checkWebAccess tests general web accessibility with a HEAD request,
// falling back to GET for servers that refuse HEAD. An empty URL disables
// the check.
func checkWebAccess(client *http.Client, checkURL string) bool {
	if checkURL == "" {
		return true
	}
	resp, err := client.Head(checkURL)
	if err == nil {
		resp.Body.Close()
		return true
	}
	resp, err = client.Get(checkURL)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
