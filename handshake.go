package theatre

// Handshake format, exchanged once per connection before any frame:
//
//	[4-byte magic "THTR"]
//	[2-byte big-endian version length][semver UTF-8 bytes]
//	[4-byte big-endian process id]
//	[2-byte big-endian name length][name UTF-8 bytes]
//
// Direction:
//   - Outbound (dialer):  write handshake → read handshake
//   - Inbound  (listener): read handshake → write handshake
//
// The exchange is bounded by a deadline. A peer whose version does not
// satisfy the local constraint is refused with ErrProtocolVersion.

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ProtocolVersion is the wire protocol version this build speaks.
const ProtocolVersion = "1.0.0"

// protocolConstraint is what a peer's version must satisfy.
const protocolConstraint = "^1.0"

const (
	handshakeMagic   = "THTR"
	handshakeMaxName = 256

	// defaultHandshakeTimeout bounds the handshake exchange. Prevents
	// slow peers from holding a connection before identifying themselves.
	defaultHandshakeTimeout = 5 * time.Second
)

// PeerInfo is what a handshake reveals about the other end.
type PeerInfo struct {
	Version   string
	ProcessID uint32
	Name      string
}

func writeHandshake(w io.Writer, local PeerInfo) error {
	if len(local.Version) > 255 || len(local.Name) > handshakeMaxName {
		return fmt.Errorf("handshake: field too long")
	}
	buf := make([]byte, 0, 4+2+len(local.Version)+4+2+len(local.Name))
	buf = append(buf, handshakeMagic...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(local.Version)))
	buf = append(buf, local.Version...)
	buf = binary.BigEndian.AppendUint32(buf, local.ProcessID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(local.Name)))
	buf = append(buf, local.Name...)
	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) (PeerInfo, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return PeerInfo{}, fmt.Errorf("handshake read magic: %w", err)
	}
	if string(magic[:]) != handshakeMagic {
		return PeerInfo{}, fmt.Errorf("%w: bad handshake magic %q", ErrProtocol, magic[:])
	}

	version, err := readShortString(r, 255)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("handshake read version: %w", err)
	}
	var pid [4]byte
	if _, err := io.ReadFull(r, pid[:]); err != nil {
		return PeerInfo{}, fmt.Errorf("handshake read process id: %w", err)
	}
	name, err := readShortString(r, handshakeMaxName)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("handshake read name: %w", err)
	}

	return PeerInfo{
		Version:   version,
		ProcessID: binary.BigEndian.Uint32(pid[:]),
		Name:      name,
	}, nil
}

func readShortString(r io.Reader, max int) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if n > max {
		return "", fmt.Errorf("%w: handshake field length %d", ErrProtocol, n)
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// checkPeerVersion refuses peers outside the supported protocol range.
func checkPeerVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrProtocolVersion, version, err)
	}
	c, err := semver.NewConstraint(protocolConstraint)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: peer %s, want %s", ErrProtocolVersion, v, protocolConstraint)
	}
	return nil
}

// handshakeOutbound runs the dialer side of the exchange.
func handshakeOutbound(conn net.Conn, local PeerInfo, timeout time.Duration) (PeerInfo, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if err := writeHandshake(conn, local); err != nil {
		return PeerInfo{}, transportError("handshake write", err)
	}
	remote, err := readHandshake(conn)
	if err != nil {
		if IsProtocolError(err) {
			return PeerInfo{}, err
		}
		return PeerInfo{}, transportError("handshake read", err)
	}
	if err := checkPeerVersion(remote.Version); err != nil {
		return PeerInfo{}, err
	}
	return remote, nil
}

// handshakeInbound runs the listener side. An incompatible peer still
// receives our handshake so it can report the mismatch on its end.
func handshakeInbound(conn net.Conn, local PeerInfo, timeout time.Duration) (PeerInfo, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	remote, err := readHandshake(conn)
	if err != nil {
		return PeerInfo{}, err
	}
	if err := writeHandshake(conn, local); err != nil {
		return PeerInfo{}, transportError("handshake write", err)
	}
	if err := checkPeerVersion(remote.Version); err != nil {
		return PeerInfo{}, err
	}
	return remote, nil
}
