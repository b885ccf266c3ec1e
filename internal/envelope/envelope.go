// internal/envelope/envelope.go

// Package envelope models the three wire variants (plain, signed, encrypted)
// and the AES-256-CBC codec that turns a signed envelope into an encrypted one.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"iot-trust-gateway/internal/canonical"
	"iot-trust-gateway/internal/data"
)

// Kind tags an Envelope variant.
type Kind int

const (
	KindPlain Kind = iota
	KindSigned
	KindEncrypted
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindSigned:
		return "signed"
	case KindEncrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// Encrypted wire keys.
const (
	KeyEncryptedData = "encrypted_data"
	KeyIV            = "iv"
	KeyIsEncrypted   = "is_encrypted"
)

// ErrMalformed is returned when the payload is not a JSON object.
var ErrMalformed = data.ErrMalformed

// Encrypted is the opaque form of a signed envelope.
type Encrypted struct {
	EncryptedData string  `json:"encrypted_data"`
	IV            string  `json:"iv"`
	Timestamp     float64 `json:"timestamp"`
	IsEncrypted   bool    `json:"is_encrypted"`
}

// Fields returns the wire mapping.
func (e Encrypted) Fields() data.Fields {
	return data.Fields{
		KeyEncryptedData: e.EncryptedData,
		KeyIV:            e.IV,
		data.KeyTimestamp: e.Timestamp,
		KeyIsEncrypted:   e.IsEncrypted,
	}
}

// Envelope is a tagged union over the wire variants. Fields is set for Plain
// and Signed, Sealed for Encrypted.
type Envelope struct {
	Kind   Kind
	Fields data.Fields
	Sealed Encrypted
}

// Plain wraps unsigned fields.
func Plain(f data.Fields) Envelope { return Envelope{Kind: KindPlain, Fields: f} }

// Signed wraps fields carrying a signature.
func Signed(f data.Fields) Envelope { return Envelope{Kind: KindSigned, Fields: f} }

// Sealed wraps an encrypted envelope.
func Sealed(e Encrypted) Envelope { return Envelope{Kind: KindEncrypted, Sealed: e} }

// Sniff classifies raw bytes without a full decode. Invalid JSON sniffs as plain.
func Sniff(raw []byte) Kind {
	if !gjson.ValidBytes(raw) {
		return KindPlain
	}
	res := gjson.ParseBytes(raw)
	switch {
	case res.Get(KeyIsEncrypted).Type == gjson.True:
		return KindEncrypted
	case res.Get(data.KeySignature).Exists():
		return KindSigned
	default:
		return KindPlain
	}
}

// Parse decodes raw bytes into the matching variant.
func Parse(raw []byte) (Envelope, error) {
	fields, err := data.Decode(raw)
	if err != nil {
		return Envelope{}, err
	}
	return Classify(fields), nil
}

// Classify picks the variant for already-decoded fields. An object flagged
// is_encrypted is sealed even if its other keys are missing or mistyped;
// Decrypt rejects it later so the failure is recorded as tampering.
func Classify(f data.Fields) Envelope {
	if flag, _ := f[KeyIsEncrypted].(bool); flag {
		e := Encrypted{IsEncrypted: true}
		e.EncryptedData, _ = f.String(KeyEncryptedData)
		e.IV, _ = f.String(KeyIV)
		e.Timestamp, _ = f.Number(data.KeyTimestamp)
		return Sealed(e)
	}
	if f.Has(data.KeySignature) {
		return Signed(f)
	}
	return Plain(f)
}

// Encode serializes the envelope in canonical form, which is also the form
// peers re-canonicalize when verifying.
func Encode(env Envelope) ([]byte, error) {
	switch env.Kind {
	case KindPlain, KindSigned:
		return canonical.Marshal(map[string]any(env.Fields))
	case KindEncrypted:
		return canonical.Marshal(map[string]any(env.Sealed.Fields()))
	default:
		return nil, fmt.Errorf("encode: unknown envelope kind %d", env.Kind)
	}
}

// MarshalJSON renders the wire form.
func (env Envelope) MarshalJSON() ([]byte, error) {
	b, err := Encode(env)
	if err != nil {
		return nil, err
	}
	if !json.Valid(b) {
		return nil, errors.New("envelope: non-finite number in payload")
	}
	return b, nil
}
