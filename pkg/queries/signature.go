package queries

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SignatureLength is the number of hex characters kept from the digest.
const SignatureLength = 32

// Signature is the cache key of one execution. encoding/json writes map keys
// sorted, so the digest does not depend on argument order.
func Signature(queryID uuid.UUID, args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal([]any{queryID.String(), args})
	if err != nil {
		payload = []byte(fmt.Sprintf("%s|%v", queryID, args))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:SignatureLength]
}
