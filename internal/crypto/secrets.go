package crypto

// SealedSecret is the stored form of a single secret value (camera
// password, stream key, OAuth refresh token). The column layout mirrors
// the envelope: a wrapped DEK plus the data ciphertext.
type SealedSecret struct {
	MasterKID      string
	DEKNonce       []byte
	DEKCiphertext  []byte
	DEKTag         []byte
	DataNonce      []byte
	DataCiphertext []byte
	DataTag        []byte
}

// Seal envelope-encrypts plaintext under a fresh DEK wrapped by the
// active master key. The AAD binds the secret to its owning row
// (e.g. "camera:4:password") so ciphertexts cannot be swapped between
// rows.
func (k *Keyring) Seal(plaintext, aad []byte) (*SealedSecret, error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, err
	}

	kid, dekNonce, dekCT, dekTag, err := k.WrapDEK(dek, aad)
	if err != nil {
		return nil, err
	}

	dataNonce, dataCT, dataTag, err := EncryptGCM(dek, plaintext, aad)
	if err != nil {
		return nil, err
	}

	return &SealedSecret{
		MasterKID:      kid,
		DEKNonce:       dekNonce,
		DEKCiphertext:  dekCT,
		DEKTag:         dekTag,
		DataNonce:      dataNonce,
		DataCiphertext: dataCT,
		DataTag:        dataTag,
	}, nil
}

// Open reverses Seal. The same AAD must be supplied.
func (k *Keyring) Open(s *SealedSecret, aad []byte) ([]byte, error) {
	dek, err := k.UnwrapDEK(s.MasterKID, s.DEKNonce, s.DEKCiphertext, s.DEKTag, aad)
	if err != nil {
		return nil, err
	}
	return DecryptGCM(dek, s.DataNonce, s.DataCiphertext, s.DataTag, aad)
}
