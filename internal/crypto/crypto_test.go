package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key, err := DeriveKey([]byte("correct horse battery staple"), salt)
	require.NoError(t, err)

	ciphertext, nonce, err := EncryptWithKey(key, []byte("hello rchat"))
	require.NoError(t, err)

	plaintext, err := DecryptWithKey(key, ciphertext, nonce)
	require.NoError(t, err)
	require.Equal(t, "hello rchat", string(plaintext))
}

func TestDecryptWithKeyWrongKeyFails(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	key, err := DeriveKey([]byte("pw"), salt)
	require.NoError(t, err)
	ciphertext, nonce, err := EncryptWithKey(key, []byte("secret"))
	require.NoError(t, err)

	otherSalt, err := NewSalt()
	require.NoError(t, err)
	otherKey, err := DeriveKey([]byte("other"), otherSalt)
	require.NoError(t, err)

	_, err = DecryptWithKey(otherKey, ciphertext, nonce)
	require.ErrorIs(t, err, ErrAuth)
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := NewEd25519Identity()
	require.NoError(t, err)

	msg := []byte("up-link payload")
	sig := Sign(priv, msg)
	require.True(t, Verify(pub, msg, sig))
	require.False(t, Verify(pub, []byte("tampered"), sig))
}

func TestDiffieHellmanAgreement(t *testing.T) {
	aPub, aPriv, err := NewX25519Identity()
	require.NoError(t, err)
	bPub, bPriv, err := NewX25519Identity()
	require.NoError(t, err)

	sharedA, err := DiffieHellman(aPriv, bPub)
	require.NoError(t, err)
	sharedB, err := DiffieHellman(bPriv, aPub)
	require.NoError(t, err)
	require.Equal(t, sharedA, sharedB)
}

func TestHashDataVerifyPassword(t *testing.T) {
	h, err := HashData([]byte("master-password"))
	require.NoError(t, err)

	ok, err := VerifyPassword([]byte("master-password"), h)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyPassword([]byte("wrong-password"), h)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSha256Hex(t *testing.T) {
	require.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		Sha256Hex([]byte("hello")),
	)
}
