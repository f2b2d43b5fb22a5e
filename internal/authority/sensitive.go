package authority

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

// sensitiveTag marks a payload field that must only travel encrypted:
//
//	PatientID string `json:"patient_id" authority:"sensitive"`
//
// The field is removed from the body and sent as encrypted_<json name>.
const sensitiveTag = "sensitive"

const nonceSize = 24

// FieldCipher seals individual field values with NaCl secretbox.
type FieldCipher struct {
	key [32]byte
}

// NewFieldCipher derives a 32-byte key from secret. An empty secret yields a
// random process-local key.
func NewFieldCipher(secret string) (*FieldCipher, error) {
	c := &FieldCipher{}
	if secret == "" {
		if _, err := io.ReadFull(rand.Reader, c.key[:]); err != nil {
			return nil, fmt.Errorf("failed to generate field key: %w", err)
		}
		return c, nil
	}
	c.key = sha256.Sum256([]byte(secret))
	return c, nil
}

// Seal returns base64(nonce || box).
func (c *FieldCipher) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (c *FieldCipher) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed field: %w", err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", errors.New("sealed field too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", errors.New("sealed field failed authentication")
	}
	return string(plain), nil
}

var sensitiveFields sync.Map // reflect.Type -> []string

// SensitiveFields lists the JSON names of the fields of payload type t tagged
// authority:"sensitive". It panics when a tagged field is not a string,
// which surfaces on the first request built from that type.
func SensitiveFields(t reflect.Type) []string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	if cached, ok := sensitiveFields.Load(t); ok {
		return cached.([]string)
	}

	var names []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Tag.Get("authority") != sensitiveTag {
			continue
		}
		if f.Type.Kind() != reflect.String {
			panic(fmt.Sprintf("authority: sensitive field %s.%s must be a string", t.Name(), f.Name))
		}
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			name = f.Name
		}
		names = append(names, name)
	}
	sensitiveFields.Store(t, names)
	return names
}

// sealPayload marshals payload and swaps each sensitive field for its
// encrypted_ counterpart.
func (c *FieldCipher) sealPayload(payload interface{}) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	fields := SensitiveFields(reflect.TypeOf(payload))
	if len(fields) == 0 {
		return raw, nil
	}

	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("failed to re-read payload: %w", err)
	}
	for _, name := range fields {
		v, ok := body[name]
		if !ok {
			continue
		}
		delete(body, name)
		s, _ := v.(string)
		if s == "" {
			continue
		}
		sealed, err := c.Seal(s)
		if err != nil {
			return nil, err
		}
		body["encrypted_"+name] = sealed
	}
	return json.Marshal(body)
}

// openResponse lifts every value of an encrypted_data object back into the
// top level of the response. Fields that fail to open are dropped.
func (c *FieldCipher) openResponse(raw []byte) ([]byte, []string, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return raw, nil, nil
	}
	enc, ok := body["encrypted_data"]
	if !ok {
		return raw, nil, nil
	}
	delete(body, "encrypted_data")

	var sealed map[string]string
	if err := json.Unmarshal(enc, &sealed); err != nil {
		return nil, nil, fmt.Errorf("failed to decode encrypted_data: %w", err)
	}
	var failed []string
	for name, value := range sealed {
		plain, err := c.Open(value)
		if err != nil {
			failed = append(failed, name)
			continue
		}
		quoted, _ := json.Marshal(plain)
		body[name] = quoted
	}
	out, err := json.Marshal(body)
	return out, failed, err
}
