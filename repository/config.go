package repository

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/ghostsnap/ghostsnap/chunker"
	"github.com/ghostsnap/ghostsnap/crypto"
)

// ConfigVersion is the only repository format version this build reads
// and writes. Open rejects anything else with a Config error.
const ConfigVersion = 1

// IDEncodingHex is the only id encoding this build writes or reads.
// The field exists on Config so a future encoding could be introduced
// without breaking readers of older repositories.
const IDEncodingHex = "hex"

// Config is the repository's plaintext manifest object. It carries
// nothing secret: the key material lives only in keys/<id>.
type Config struct {
	Version           int              `json:"version"`
	ID                string           `json:"id"`
	IDEncoding        string           `json:"id_encoding"`
	ChunkerPolynomial uint64           `json:"chunker_polynomial"`
	KDFParams         crypto.KDFParams `json:"kdf_params"`
}

// newConfig builds a fresh Config for a repository being initialized:
// a random id, the default splitting polynomial, and fresh KDF
// parameters (including a fresh random salt).
func newConfig() (Config, error) {
	kdf, err := crypto.DefaultKDFParams()
	if err != nil {
		return Config{}, errors.Annotate(err, "generate kdf params")
	}
	return Config{
		Version:           ConfigVersion,
		ID:                hex.EncodeToString(randomID()),
		IDEncoding:        IDEncodingHex,
		ChunkerPolynomial: chunker.DefaultPolynomial,
		KDFParams:         kdf,
	}, nil
}

func randomID() []byte {
	id := uuid.New()
	return id[:]
}

func marshalConfig(c Config) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, errors.Annotate(err, "marshal repository config")
	}
	return data, nil
}

func unmarshalConfig(data []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, errors.NewNotValid(err, "repository config is not valid JSON")
	}
	return c, nil
}

// keyFile is the plaintext-structured, secret-carrying payload of one
// keys/<id> object: the KDF parameters used to derive the wrapping key
// from a passphrase, and the data encryption key sealed under that
// wrapping key.
type keyFile struct {
	KDFParams    crypto.KDFParams `json:"kdf_params"`
	EncryptedKey []byte           `json:"encrypted_key"`
}

func marshalKeyFile(kf keyFile) ([]byte, error) {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, errors.Annotate(err, "marshal key file")
	}
	return data, nil
}

func unmarshalKeyFile(data []byte) (keyFile, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return keyFile{}, errors.NewNotValid(err, "key file is not valid JSON")
	}
	if len(kf.EncryptedKey) == 0 {
		return keyFile{}, errors.NotValidf("key file: missing encrypted_key")
	}
	return kf, nil
}
