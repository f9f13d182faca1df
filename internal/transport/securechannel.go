// Package transport implements the secure framed channel: a four-message
// X25519 handshake followed by an authenticated, sequence-numbered
// ChaCha20-Poly1305 record stream, carried over a gorilla/websocket
// connection.
package transport

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// frameIO is the minimal carrier the handshake needs: something that
// preserves message boundaries. wsFrameIO (ws.go) adapts a
// *websocket.Conn to it;
// inMemoryFrameIO (securechannel_test.go) adapts a pair of channels for
// tests that don't need a real socket.
type frameIO interface {
	WriteBinary([]byte) error
	ReadBinary() ([]byte, error)
}

// Version is the handshake/record wire version.
const Version uint16 = 1

var (
	hsMagic  = [4]byte{'B', 'S', 'H', 'S'}
	recMagic = [4]byte{'B', 'S', 'R', 'C'}
)

const (
	hsClientHello    byte = 1
	hsServerHello    byte = 2
	hsClientFinished byte = 3
	hsServerFinished byte = 4

	recApplicationData byte = 0x17

	hsHeaderLen  = 4 + 2 + 1 + 4
	recHeaderLen = 4 + 2 + 1 + 8 + 4
	aeadTagLen   = 16
)

const (
	infoHandshakeKey = "bearshare handshake key"
	infoC2SKey       = "bearshare app c2s key"
	infoS2CKey       = "bearshare app s2c key"
)

// SecureWrite encrypts outbound application records with a strictly
// monotonic send sequence number.
type SecureWrite struct {
	aead    cipher.AEAD
	sendSeq uint64
}

// SecureRead decrypts inbound application records, rejecting anything
// that doesn't match the next expected sequence number, which is what
// rules out both replay and reordering.
type SecureRead struct {
	aead    cipher.AEAD
	recvSeq uint64
}

// Encrypt frames and encrypts plaintext as one application-data record,
// advancing the send sequence number.
func (w *SecureWrite) Encrypt(plaintext []byte) ([]byte, error) {
	if w.sendSeq == ^uint64(0) {
		return nil, fmt.Errorf("transport: send sequence overflow")
	}
	seq := w.sendSeq
	w.sendSeq++

	header := make([]byte, recHeaderLen)
	copy(header[0:4], recMagic[:])
	binary.BigEndian.PutUint16(header[4:6], Version)
	header[6] = recApplicationData
	binary.BigEndian.PutUint64(header[7:15], seq)
	binary.BigEndian.PutUint32(header[15:19], uint32(len(plaintext)))

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)

	ciphertext := w.aead.Seal(nil, nonce, plaintext, header)
	return append(header, ciphertext...), nil
}

// Decrypt validates and decrypts one application-data record, requiring
// its sequence number to equal the next expected value exactly; out of
// order or replayed records are rejected.
func (r *SecureRead) Decrypt(frame []byte) ([]byte, error) {
	if len(frame) < recHeaderLen+aeadTagLen {
		return nil, fmt.Errorf("transport: record too short")
	}
	if [4]byte(frame[0:4]) != recMagic {
		return nil, fmt.Errorf("transport: bad record magic")
	}
	version := binary.BigEndian.Uint16(frame[4:6])
	if version != Version {
		return nil, fmt.Errorf("transport: unsupported record version %d", version)
	}
	if frame[6] != recApplicationData {
		return nil, fmt.Errorf("transport: unexpected record type %#x", frame[6])
	}

	seq := binary.BigEndian.Uint64(frame[7:15])
	plaintextLen := binary.BigEndian.Uint32(frame[15:19])

	if seq != r.recvSeq {
		return nil, fmt.Errorf("transport: unexpected recv seq: got %d, expected %d", seq, r.recvSeq)
	}
	if r.recvSeq == ^uint64(0) {
		return nil, fmt.Errorf("transport: recv sequence overflow")
	}

	expectedLen := recHeaderLen + int(plaintextLen) + aeadTagLen
	if len(frame) != expectedLen {
		return nil, fmt.Errorf("transport: record length mismatch: got %d, expected %d", len(frame), expectedLen)
	}

	header := frame[:recHeaderLen]
	ciphertext := frame[recHeaderLen:]

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)

	plaintext, err := r.aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, fmt.Errorf("transport: record authentication failed: %w", err)
	}
	r.recvSeq++
	return plaintext, nil
}

func encodeHandshakeFrame(hsType byte, payload []byte) []byte {
	out := make([]byte, hsHeaderLen, hsHeaderLen+len(payload))
	copy(out[0:4], hsMagic[:])
	binary.BigEndian.PutUint16(out[4:6], Version)
	out[6] = hsType
	binary.BigEndian.PutUint32(out[7:11], uint32(len(payload)))
	out = append(out, payload...)
	return out
}

func decodeHandshakeFrame(frame []byte) (byte, []byte, error) {
	if len(frame) < hsHeaderLen {
		return 0, nil, fmt.Errorf("transport: handshake frame too short")
	}
	if [4]byte(frame[0:4]) != hsMagic {
		return 0, nil, fmt.Errorf("transport: bad handshake magic")
	}
	version := binary.BigEndian.Uint16(frame[4:6])
	if version != Version {
		return 0, nil, fmt.Errorf("transport: unsupported handshake version %d", version)
	}
	hsType := frame[6]
	payloadLen := binary.BigEndian.Uint32(frame[7:11])
	if len(frame) != hsHeaderLen+int(payloadLen) {
		return 0, nil, fmt.Errorf("transport: handshake payload length mismatch")
	}
	return hsType, frame[11:], nil
}

func hkdfExpand(ikm, info []byte, outLen int) ([]byte, error) {
	h := hkdf.New(sha256.New, ikm, nil, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("transport: hkdf expand: %w", err)
	}
	return out, nil
}

func finishedMAC(handshakeKey, transcript []byte) []byte {
	th := sha256.Sum256(transcript)
	mac := hmac.New(sha256.New, handshakeKey)
	mac.Write(th[:])
	return mac.Sum(nil)
}

func xorInPlace(dst, src []byte) error {
	if len(src) < len(dst) {
		return fmt.Errorf("transport: xor source too short")
	}
	for i := range dst {
		dst[i] ^= src[i]
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("transport: bad aead key: %w", err)
	}
	return aead, nil
}

// derivedKeys holds the two AEAD instances a handshake produces, already
// assigned to their write/read roles for whichever side derived them.
type derivedKeys struct {
	writeAEAD cipher.AEAD
	readAEAD  cipher.AEAD
}

// deriveApplicationKeys derives k_c2s and k_s2c from the shared secret,
// then XORs each with SHA256(transcript) to bind them to this
// handshake's transcript. writeInfo/readInfo select
// which of the two keys becomes this side's write key: the client
// passes (c2s, s2c), the server passes (s2c, c2s).
func deriveApplicationKeys(shared, transcript []byte, writeInfo, readInfo string) (*derivedKeys, error) {
	writeKey, err := hkdfExpand(shared, []byte(writeInfo), 32)
	if err != nil {
		return nil, err
	}
	readKey, err := hkdfExpand(shared, []byte(readInfo), 32)
	if err != nil {
		return nil, err
	}
	defer zero(writeKey)
	defer zero(readKey)

	th := sha256.Sum256(transcript)
	if err := xorInPlace(writeKey, th[:]); err != nil {
		return nil, err
	}
	if err := xorInPlace(readKey, th[:]); err != nil {
		return nil, err
	}

	writeAEAD, err := newAEAD(writeKey)
	if err != nil {
		return nil, err
	}
	readAEAD, err := newAEAD(readKey)
	if err != nil {
		return nil, err
	}
	return &derivedKeys{writeAEAD: writeAEAD, readAEAD: readAEAD}, nil
}

// generateEphemeral returns a fresh X25519 keypair and a 32-byte random
// value sent alongside the public key as client_random/server_random.
func generateEphemeral(rnd io.Reader) (private [32]byte, public [32]byte, random [32]byte, err error) {
	if _, err = io.ReadFull(rnd, private[:]); err != nil {
		return
	}
	if _, err = io.ReadFull(rnd, random[:]); err != nil {
		return
	}
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(public[:], pub)
	return
}
