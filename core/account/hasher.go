package account

import "golang.org/x/crypto/bcrypt"

// Hasher hashes and verifies passwords and backup codes with bcrypt.
// The cost factor is tunable via configuration so tests can turn it down
// and production can turn it up.
type Hasher struct {
	cost int
}

func NewHasher(cost int) Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return Hasher{cost: cost}
}

func (h Hasher) Hash(plain string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plain), h.cost)
}

// Verify reports whether plain matches hash. The comparison runs in time
// constant with respect to the password contents.
func (h Hasher) Verify(plain string, hash []byte) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plain)) == nil
}
