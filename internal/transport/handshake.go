package transport

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// ClientHandshake runs the client's half of the four-message handshake
// over conn and returns the resulting write/read halves of the secure
// channel: the client writes with k_c2s and reads with k_s2c.
func ClientHandshake(conn frameIO) (*SecureWrite, *SecureRead, error) {
	clientPriv, clientPub, clientRandom, err := generateEphemeral(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: generate client ephemeral: %w", err)
	}

	chPayload := make([]byte, 0, 64)
	chPayload = append(chPayload, clientRandom[:]...)
	chPayload = append(chPayload, clientPub[:]...)
	chBytes := encodeHandshakeFrame(hsClientHello, chPayload)
	if err := conn.WriteBinary(chBytes); err != nil {
		return nil, nil, fmt.Errorf("transport: send ClientHello: %w", err)
	}

	shFrame, err := conn.ReadBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("transport: waiting for ServerHello: %w", err)
	}
	shType, shPayload, err := decodeHandshakeFrame(shFrame)
	if err != nil {
		return nil, nil, err
	}
	if shType != hsServerHello {
		return nil, nil, fmt.Errorf("transport: expected ServerHello, got hs_type=%d", shType)
	}
	if len(shPayload) != 64 {
		return nil, nil, fmt.Errorf("transport: ServerHello payload wrong size")
	}
	var serverPub [32]byte
	copy(serverPub[:], shPayload[32:64])

	transcript := make([]byte, 0, len(chBytes)+len(shFrame))
	transcript = append(transcript, chBytes...)
	transcript = append(transcript, shFrame...)

	shared, err := x25519Shared(clientPriv, serverPub)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: compute shared secret: %w", err)
	}
	handshakeKey, err := hkdfExpand(shared, []byte(infoHandshakeKey), 32)
	if err != nil {
		return nil, nil, err
	}
	defer zero(handshakeKey)

	cfPayload := finishedMAC(handshakeKey, transcript)
	cfBytes := encodeHandshakeFrame(hsClientFinished, cfPayload)
	if err := conn.WriteBinary(cfBytes); err != nil {
		return nil, nil, fmt.Errorf("transport: send ClientFinished: %w", err)
	}
	transcript = append(transcript, cfBytes...)

	sfFrame, err := conn.ReadBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("transport: waiting for ServerFinished: %w", err)
	}
	sfType, sfPayload, err := decodeHandshakeFrame(sfFrame)
	if err != nil {
		return nil, nil, err
	}
	if sfType != hsServerFinished {
		return nil, nil, fmt.Errorf("transport: expected ServerFinished, got hs_type=%d", sfType)
	}
	if len(sfPayload) != 32 {
		return nil, nil, fmt.Errorf("transport: ServerFinished wrong size")
	}

	th := sha256.Sum256(transcript)
	mac := hmac.New(sha256.New, handshakeKey)
	mac.Write(th[:])
	if !hmac.Equal(mac.Sum(nil), sfPayload) {
		return nil, nil, fmt.Errorf("transport: ServerFinished verify failed")
	}
	transcript = append(transcript, sfFrame...)

	keys, err := deriveApplicationKeys(shared, transcript, infoC2SKey, infoS2CKey)
	if err != nil {
		return nil, nil, err
	}
	return &SecureWrite{aead: keys.writeAEAD}, &SecureRead{aead: keys.readAEAD}, nil
}

// ServerHandshake runs the server's half of the handshake over conn, the
// mirror image of ClientHandshake: the server writes with k_s2c and
// reads with k_c2s.
func ServerHandshake(conn frameIO) (*SecureWrite, *SecureRead, error) {
	chFrame, err := conn.ReadBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("transport: waiting for ClientHello: %w", err)
	}
	chType, chPayload, err := decodeHandshakeFrame(chFrame)
	if err != nil {
		return nil, nil, err
	}
	if chType != hsClientHello {
		return nil, nil, fmt.Errorf("transport: expected ClientHello, got hs_type=%d", chType)
	}
	if len(chPayload) != 64 {
		return nil, nil, fmt.Errorf("transport: ClientHello payload wrong size")
	}
	var clientPub [32]byte
	copy(clientPub[:], chPayload[32:64])

	serverPriv, serverPub, serverRandom, err := generateEphemeral(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: generate server ephemeral: %w", err)
	}

	shPayload := make([]byte, 0, 64)
	shPayload = append(shPayload, serverRandom[:]...)
	shPayload = append(shPayload, serverPub[:]...)
	shBytes := encodeHandshakeFrame(hsServerHello, shPayload)
	if err := conn.WriteBinary(shBytes); err != nil {
		return nil, nil, fmt.Errorf("transport: send ServerHello: %w", err)
	}

	transcript := make([]byte, 0, len(chFrame)+len(shBytes))
	transcript = append(transcript, chFrame...)
	transcript = append(transcript, shBytes...)

	shared, err := x25519Shared(serverPriv, clientPub)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: compute shared secret: %w", err)
	}
	handshakeKey, err := hkdfExpand(shared, []byte(infoHandshakeKey), 32)
	if err != nil {
		return nil, nil, err
	}
	defer zero(handshakeKey)

	cfFrame, err := conn.ReadBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("transport: waiting for ClientFinished: %w", err)
	}
	cfType, cfPayload, err := decodeHandshakeFrame(cfFrame)
	if err != nil {
		return nil, nil, err
	}
	if cfType != hsClientFinished {
		return nil, nil, fmt.Errorf("transport: expected ClientFinished, got hs_type=%d", cfType)
	}
	if len(cfPayload) != 32 {
		return nil, nil, fmt.Errorf("transport: ClientFinished wrong size")
	}

	th := sha256.Sum256(transcript)
	mac := hmac.New(sha256.New, handshakeKey)
	mac.Write(th[:])
	if !hmac.Equal(mac.Sum(nil), cfPayload) {
		return nil, nil, fmt.Errorf("transport: ClientFinished verify failed")
	}
	transcript = append(transcript, cfFrame...)

	sfPayload := finishedMAC(handshakeKey, transcript)
	sfBytes := encodeHandshakeFrame(hsServerFinished, sfPayload)
	if err := conn.WriteBinary(sfBytes); err != nil {
		return nil, nil, fmt.Errorf("transport: send ServerFinished: %w", err)
	}
	transcript = append(transcript, sfBytes...)

	keys, err := deriveApplicationKeys(shared, transcript, infoS2CKey, infoC2SKey)
	if err != nil {
		return nil, nil, err
	}
	return &SecureWrite{aead: keys.writeAEAD}, &SecureRead{aead: keys.readAEAD}, nil
}

func x25519Shared(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}
