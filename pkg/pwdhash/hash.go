package pwdhash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// A stored hash is 1 byte of version, then 20 bytes of salt, then 32 bytes of
// scrypt output.

const hashVersion1 = 1
const saltSizeV1 = 20
const scryptHashSizeV1 = 32
const scryptNV1 = 16384
const scryptrV1 = 8
const scryptpV1 = 1
const hashLenV1 = 1 + saltSizeV1 + scryptHashSizeV1

func createSalt() []byte {
	s := [saltSizeV1]byte{}
	if n, _ := rand.Read(s[:]); n != saltSizeV1 {
		panic("Error creating password salt")
	}
	return s[:]
}

func hashPasswordWithSalt(salt []byte, password string) []byte {
	dk, err := scrypt.Key([]byte(password), salt, scryptNV1, scryptrV1, scryptpV1, scryptHashSizeV1)
	if err != nil {
		panic(fmt.Sprintf("Error hashing password: %v", err))
	}
	final := [hashLenV1]byte{}
	final[0] = hashVersion1
	copy(final[1:1+saltSizeV1], salt)
	copy(final[1+saltSizeV1:], dk)
	return final[:]
}

// HashPasswordBase64 creates a random salt and returns the base64 encoding of
// the fully baked hash. This is the format stored in the config file's
// adminPasswordHash field.
func HashPasswordBase64(password string) string {
	return base64.RawStdEncoding.EncodeToString(hashPasswordWithSalt(createSalt(), password))
}

// VerifyHashBase64 returns true if a plaintext password matches a stored
// base64 hash.
func VerifyHashBase64(password string, hashb64 string) bool {
	hash, _ := base64.RawStdEncoding.DecodeString(hashb64)
	if len(hash) != hashLenV1 || hash[0] != hashVersion1 {
		return false
	}
	salt := hash[1 : 1+saltSizeV1]
	dk, _ := scrypt.Key([]byte(password), salt, scryptNV1, scryptrV1, scryptpV1, scryptHashSizeV1)
	return subtle.ConstantTimeCompare(dk, hash[1+saltSizeV1:]) == 1
}
