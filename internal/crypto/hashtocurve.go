package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DomainSeparator prefixes every message before it is mapped to the curve
const DomainSeparator = "Secp256k1_HashToCurve_Cashu_"

// ErrNoPoint is returned when no valid point was found within the counter range
var ErrNoPoint = errors.New("no valid point found")

// Deriver maps a proof secret to its public identifier Y
type Deriver func(secret string) (string, error)

// DefaultDeriver derives Y with HashToCurve
var DefaultDeriver Deriver = YHex

// HashToCurve deterministically maps msg to a secp256k1 point
func HashToCurve(msg []byte) (*secp256k1.PublicKey, error) {
	msgHash := sha256.Sum256(append([]byte(DomainSeparator), msg...))

	buf := make([]byte, sha256.Size+4)
	copy(buf, msgHash[:])

	candidate := make([]byte, 33)
	candidate[0] = 0x02
	for counter := uint32(0); counter < 1<<16; counter++ {
		binary.LittleEndian.PutUint32(buf[sha256.Size:], counter)
		h := sha256.Sum256(buf)
		copy(candidate[1:], h[:])
		if pk, err := secp256k1.ParsePubKey(candidate); err == nil {
			return pk, nil
		}
	}
	return nil, ErrNoPoint
}

// YHex returns the compressed hex encoding of HashToCurve(secret)
func YHex(secret string) (string, error) {
	pk, err := HashToCurve([]byte(secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pk.SerializeCompressed()), nil
}
