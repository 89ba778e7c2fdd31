package ledger

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/sha3"
)

// PayloadHash is the keccak256 of the canonical JSON encoding of params,
// 0x-prefixed. encoding/json sorts map keys, which makes the encoding canonical
// for the map-shaped params used here.
func PayloadHash(params map[string]any) (string, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return Keccak256Hex(b), nil
}

func Keccak256Hex(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
