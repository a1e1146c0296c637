// Package paxe is the packet encryption facade: a synchronous helper (it
// never suspends a fiber) providing authenticated in-place decryption of
// two wire shapes, a 32-bit-id keyed store of 32-byte keys, a configurable
// failure policy, and counters for every failure class.
//
// Wire shapes, both with a ChaCha20-Poly1305 payload (12-byte nonce,
// 16-byte tag):
//
//	standard: header(8) ‖ nonce(12) ‖ ciphertext‖tag(N+16)
//	DEK:      header(8) ‖ KEK_nonce(12) ‖ enc_DEK(32) ‖ DEK_nonce(12) ‖
//	          DEK_len(2) ‖ ciphertext‖tag(N+16)
//
// The 8-byte header is key id (4, little-endian) ‖ flags (1) ‖ reserved
// (3, must be zero) and is bound into the AEAD as associated data, so a
// tampered header fails authentication rather than silently redirecting
// the packet to another key. In the DEK shape the data-encryption key is
// itself encrypted under the stored key (the KEK) with an unauthenticated
// ChaCha20 stream; authenticity of the whole packet still comes from the
// payload's Poly1305 tag under the DEK.
package paxe

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
)

// Log aliases the logger event type used throughout this module.
type Log = izerolog.Event

var (
	// ErrBadKeyLength is returned by KeystoreSet for any key not exactly
	// KeySize bytes.
	ErrBadKeyLength = errors.New("paxe: key must be exactly 32 bytes")

	// ErrNoKey is returned by Encrypt/EncryptDEK when no key is stored
	// under the requested id.
	ErrNoKey = errors.New("paxe: no key for id")

	// ErrDisabled is returned by Encrypt/EncryptDEK while the facade is
	// disabled.
	ErrDisabled = errors.New("paxe: encryption disabled")
)

// KeySize is the only accepted key length.
const KeySize = 32

const (
	headerSize = 8
	nonceSize  = chacha20poly1305.NonceSize // 12
	tagSize    = chacha20poly1305.Overhead  // 16

	// Overhead is the fixed size added to a plaintext by Encrypt.
	Overhead = headerSize + nonceSize + tagSize // 36

	dekSize    = 32
	dekLenSize = 2

	// DEKOverhead is the fixed size added to a plaintext by EncryptDEK.
	DEKOverhead = headerSize + nonceSize + dekSize + nonceSize + dekLenSize + tagSize
)

// FlagDEK marks a packet carrying a nested encrypted data key.
const FlagDEK byte = 0x01

// FailPolicy selects what a decryption failure does besides incrementing
// its counter.
type FailPolicy int

const (
	// PolicyDrop discards failures silently.
	PolicyDrop FailPolicy = iota
	// PolicyLogOnce logs the first failure, then behaves like PolicyDrop.
	PolicyLogOnce
	// PolicyVerbose logs every failure.
	PolicyVerbose
)

func (p FailPolicy) String() string {
	switch p {
	case PolicyDrop:
		return "DROP"
	case PolicyLogOnce:
		return "LOG_ONCE"
	case PolicyVerbose:
		return "VERBOSE"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of the facade's counters, one per failure class plus
// totals.
type Stats struct {
	Total           uint64
	OK              uint64
	Short           uint64
	LengthMismatch  uint64
	NoKey           uint64
	AuthFail        uint64
	ReservedNonzero uint64
}

// Facade is the packet encryption state: enabled flag, key store, failure
// policy, counters. Calls are serialized by an internal mutex; the defined
// module surface only ever invokes it synchronously from fibers, so the
// mutex is a safety net rather than a throughput concern.
type Facade struct {
	mu        sync.Mutex
	enabled   bool
	keys      map[uint32]*[KeySize]byte
	policy    FailPolicy
	stats     Stats
	logged  bool
	log     *logiface.Logger[*Log]
}

// New constructs a disabled Facade with an empty key store and the DROP
// policy. logger may be nil.
func New(logger *logiface.Logger[*Log]) *Facade {
	return &Facade{
		keys:   make(map[uint32]*[KeySize]byte),
		policy: PolicyDrop,
		log:    logger,
	}
}

// Shutdown zeroizes and discards all key material and disables the facade.
func (p *Facade) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
	p.enabled = false
}

// SetEnabled toggles the facade. While disabled, TryDecrypt fails every
// packet (counted under Total only) and Encrypt returns ErrDisabled.
func (p *Facade) SetEnabled(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = v
}

// IsEnabled reports the enabled flag.
func (p *Facade) IsEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// KeystoreSet stores key under id, rejecting any length other than
// KeySize.
func (p *Facade) KeystoreSet(id uint32, key []byte) error {
	if len(key) != KeySize {
		return ErrBadKeyLength
	}
	var k [KeySize]byte
	copy(k[:], key)
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.keys[id]; ok {
		zeroize(old[:])
	}
	p.keys[id] = &k
	return nil
}

// KeystoreClear zeroizes and removes every stored key.
func (p *Facade) KeystoreClear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

func (p *Facade) clearLocked() {
	for id, k := range p.keys {
		zeroize(k[:])
		delete(p.keys, id)
	}
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SetFailPolicy selects the failure policy, resetting the LOG_ONCE latch.
func (p *Facade) SetFailPolicy(policy FailPolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
	p.logged = false
}

// Snapshot returns the current counters.
func (p *Facade) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Facade) seed(b []byte) error {
	_, err := rand.Read(b)
	return err
}

func putHeader(dst []byte, keyID uint32, flags byte) {
	binary.LittleEndian.PutUint32(dst[0:4], keyID)
	dst[4] = flags
	dst[5], dst[6], dst[7] = 0, 0, 0
}

// Encrypt seals plaintext into a freshly allocated standard-shape packet
// under the key stored at keyID.
func (p *Facade) Encrypt(keyID uint32, plaintext []byte) ([]byte, error) {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return nil, ErrDisabled
	}
	key, ok := p.keys[keyID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNoKey
	}

	out := make([]byte, headerSize+nonceSize, headerSize+nonceSize+len(plaintext)+tagSize)
	putHeader(out, keyID, 0)
	if err := p.seed(out[headerSize : headerSize+nonceSize]); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(out, out[headerSize:headerSize+nonceSize], plaintext, out[:headerSize]), nil
}

// EncryptDEK seals plaintext into a DEK-shape packet: a fresh random data
// key encrypts the payload, and the stored key at keyID (acting as the
// KEK) encrypts the data key.
func (p *Facade) EncryptDEK(keyID uint32, plaintext []byte) ([]byte, error) {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return nil, ErrDisabled
	}
	kek, ok := p.keys[keyID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNoKey
	}

	var dek [dekSize]byte
	if err := p.seed(dek[:]); err != nil {
		return nil, err
	}
	defer zeroize(dek[:])

	fixed := headerSize + nonceSize + dekSize + nonceSize + dekLenSize
	out := make([]byte, fixed, fixed+len(plaintext)+tagSize)
	putHeader(out, keyID, FlagDEK)

	kekNonce := out[headerSize : headerSize+nonceSize]
	encDEK := out[headerSize+nonceSize : headerSize+nonceSize+dekSize]
	dekNonce := out[headerSize+nonceSize+dekSize : headerSize+nonceSize+dekSize+nonceSize]
	if err := p.seed(kekNonce); err != nil {
		return nil, err
	}
	if err := p.seed(dekNonce); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint16(out[fixed-dekLenSize:fixed], dekSize)

	stream, err := chacha20.NewUnauthenticatedCipher(kek[:], kekNonce)
	if err != nil {
		return nil, err
	}
	stream.XORKeyStream(encDEK, dek[:])

	aead, err := chacha20poly1305.New(dek[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(out, dekNonce, plaintext, out[:headerSize]), nil
}

// TryDecrypt authenticates and decrypts buf in place: on success the
// plaintext occupies buf[:n] and TryDecrypt returns (n, keyID, flags); on
// any failure it returns (-1, 0, 0) and bumps the matching counter. The
// rest of buf is left unspecified.
func (p *Facade) TryDecrypt(buf []byte) (int, uint32, byte) {
	p.mu.Lock()
	p.stats.Total++
	if !p.enabled {
		p.mu.Unlock()
		return -1, 0, 0
	}
	p.mu.Unlock()

	if len(buf) < headerSize {
		return p.fail(&p.stats.Short, 0, "short packet")
	}
	keyID := binary.LittleEndian.Uint32(buf[0:4])
	flags := buf[4]
	if buf[5] != 0 || buf[6] != 0 || buf[7] != 0 {
		return p.fail(&p.stats.ReservedNonzero, keyID, "reserved bytes nonzero")
	}

	p.mu.Lock()
	key, ok := p.keys[keyID]
	p.mu.Unlock()
	if !ok {
		return p.fail(&p.stats.NoKey, keyID, "no key for id")
	}

	if flags&FlagDEK != 0 {
		return p.decryptDEK(buf, keyID, flags, key)
	}
	return p.decryptStandard(buf, keyID, flags, key)
}

func (p *Facade) decryptStandard(buf []byte, keyID uint32, flags byte, key *[KeySize]byte) (int, uint32, byte) {
	if len(buf) < Overhead {
		return p.fail(&p.stats.Short, keyID, "short packet")
	}
	nonce := buf[headerSize : headerSize+nonceSize]
	ct := buf[headerSize+nonceSize:]

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return p.fail(&p.stats.AuthFail, keyID, err.Error())
	}
	pt, err := aead.Open(nil, nonce, ct, buf[:headerSize])
	if err != nil {
		return p.fail(&p.stats.AuthFail, keyID, "authentication failed")
	}
	n := copy(buf, pt)
	if n != len(pt) {
		return p.fail(&p.stats.LengthMismatch, keyID, "plaintext longer than packet")
	}

	p.mu.Lock()
	p.stats.OK++
	p.mu.Unlock()
	return n, keyID, flags
}

func (p *Facade) decryptDEK(buf []byte, keyID uint32, flags byte, kek *[KeySize]byte) (int, uint32, byte) {
	fixed := headerSize + nonceSize + dekSize + nonceSize + dekLenSize
	if len(buf) < fixed+tagSize {
		return p.fail(&p.stats.Short, keyID, "short packet")
	}
	kekNonce := buf[headerSize : headerSize+nonceSize]
	encDEK := buf[headerSize+nonceSize : headerSize+nonceSize+dekSize]
	dekNonce := buf[headerSize+nonceSize+dekSize : headerSize+nonceSize+dekSize+nonceSize]
	dekLen := binary.LittleEndian.Uint16(buf[fixed-dekLenSize : fixed])
	if dekLen != dekSize {
		return p.fail(&p.stats.LengthMismatch, keyID, "bad DEK length")
	}

	var dek [dekSize]byte
	stream, err := chacha20.NewUnauthenticatedCipher(kek[:], kekNonce)
	if err != nil {
		return p.fail(&p.stats.AuthFail, keyID, err.Error())
	}
	stream.XORKeyStream(dek[:], encDEK)
	defer zeroize(dek[:])

	aead, err := chacha20poly1305.New(dek[:])
	if err != nil {
		return p.fail(&p.stats.AuthFail, keyID, err.Error())
	}
	pt, err := aead.Open(nil, dekNonce, buf[fixed:], buf[:headerSize])
	if err != nil {
		return p.fail(&p.stats.AuthFail, keyID, "authentication failed")
	}
	n := copy(buf, pt)
	if n != len(pt) {
		return p.fail(&p.stats.LengthMismatch, keyID, "plaintext longer than packet")
	}

	p.mu.Lock()
	p.stats.OK++
	p.mu.Unlock()
	return n, keyID, flags
}

// fail bumps counter and applies the failure policy, always returning the
// (-1, 0, 0) triple so callers can return it directly.
func (p *Facade) fail(counter *uint64, keyID uint32, reason string) (int, uint32, byte) {
	p.mu.Lock()
	*counter++
	shouldLog := p.policy == PolicyVerbose || (p.policy == PolicyLogOnce && !p.logged)
	if shouldLog {
		p.logged = true
	}
	p.mu.Unlock()

	if shouldLog && p.log != nil {
		p.log.Warning().
			Uint64("key_id", uint64(keyID)).
			Str("reason", reason).
			Log("paxe: packet rejected")
	}
	return -1, 0, 0
}
