package ledger

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"rewardledger/internal/model"
)

// encMode uses Core Deterministic Encoding so the same entry always
// hashes to the same digest.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ledger: CBOR encoder initialization failed: " + err.Error())
	}
}

// chainRecord is the hashed projection of a Transaction. Field numbers
// are part of the on-disk contract; never renumber them.
type chainRecord struct {
	Seq        int64  `cbor:"1,keyasint"`
	PrevHash   string `cbor:"2,keyasint"`
	ID         string `cbor:"3,keyasint"`
	UserID     string `cbor:"4,keyasint"`
	Type       string `cbor:"5,keyasint"`
	Source     string `cbor:"6,keyasint"`
	Amount     string `cbor:"7,keyasint"`
	Reference  string `cbor:"8,keyasint"`
	OccurredAt int64  `cbor:"9,keyasint"`
}

// HashTransaction returns the hex BLAKE3-256 digest linking t to its
// predecessor through t.PrevHash.
func HashTransaction(t model.Transaction) (string, error) {
	encoded, err := encMode.Marshal(chainRecord{
		Seq:        t.Seq,
		PrevHash:   t.PrevHash,
		ID:         t.ID,
		UserID:     t.UserID,
		Type:       string(t.Type),
		Source:     string(t.Source),
		Amount:     t.Amount.StringFixed(amountPlaces),
		Reference:  t.Reference(),
		OccurredAt: t.OccurredAt.UnixMicro(),
	})
	if err != nil {
		return "", fmt.Errorf("encode transaction %s: %w", t.ID, err)
	}
	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// HashToken returns the digest under which a session token is stored.
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
