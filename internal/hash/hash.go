package hash

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Cost is the bcrypt work factor. Tests lower it to bcrypt.MinCost.
var Cost = bcrypt.DefaultCost

func HashPassword(password string) (string, error) {
	hashbytes, err := bcrypt.GenerateFromPassword([]byte(password), Cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashbytes), nil
}

// CheckPassword reports whether password matches hash. Any bcrypt failure,
// including a malformed hash, counts as a mismatch.
func CheckPassword(hash, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// DummyCompare burns the same time as a real comparison so unknown accounts
// cannot be told apart from wrong passwords by latency.
func DummyCompare(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("sessionguard-dummy"), bcrypt.DefaultCost)
	if err != nil {
		panic("hash: cannot build dummy hash: " + err.Error())
	}
	return h
}()
