// Package identity derives content-addressed job identifiers.
//
// An identifier is the hex SHA-256 of the canonical form of
// {document, model_version, seed}, domain separated so that job ids can
// never collide with hashes computed for another purpose.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ak3tsm7/sweep-render-queue/internal/models"
)

// Domain prefixes the hashed payload. The version suffix allows a future
// change of canonical form without silently reusing old identifiers.
const Domain = "sweep-render/job/v1"

const (
	// MinLength keeps at least 128 bits of digest.
	MinLength = 32
	// MaxLength is the full 256-bit digest in hex.
	MaxLength = 64
)

// Hasher computes identifiers truncated to Length hex characters.
type Hasher struct {
	Length int
}

// Default uses the full digest.
var Default = Hasher{Length: MaxLength}

func NewHasher(length int) Hasher {
	if length < MinLength {
		length = MinLength
	}
	if length > MaxLength {
		length = MaxLength
	}
	return Hasher{Length: length}
}

// Identify returns the identifier of a document rendered under modelVersion and seed.
func (h Hasher) Identify(document json.RawMessage, modelVersion string, seed int64) (string, error) {
	doc, err := Canonicalize(document)
	if err != nil {
		return "", err
	}

	// Keys already in canonical order: document < model_version < seed.
	var payload bytes.Buffer
	payload.WriteString(`{"document":`)
	payload.Write(doc)
	payload.WriteString(`,"model_version":`)
	if err := writeString(&payload, modelVersion); err != nil {
		return "", fmt.Errorf("identity: model version: %w", err)
	}
	payload.WriteString(`,"seed":`)
	payload.WriteString(strconv.FormatInt(seed, 10))
	payload.WriteByte('}')

	return h.digest(payload.Bytes()), nil
}

// IdentifySpec is Identify over a JobSpec.
func (h Hasher) IdentifySpec(spec models.JobSpec) (string, error) {
	return h.Identify(spec.Document, spec.ModelVersion, spec.Seed)
}

func (h Hasher) digest(data []byte) string {
	sum := sha256.New()
	sum.Write([]byte(Domain))
	sum.Write([]byte{0x00})
	sum.Write(data)
	id := hex.EncodeToString(sum.Sum(nil))

	n := h.Length
	if n < MinLength || n > MaxLength {
		n = MaxLength
	}
	return id[:n]
}

// Identify hashes with the Default hasher.
func Identify(document json.RawMessage, modelVersion string, seed int64) (string, error) {
	return Default.Identify(document, modelVersion, seed)
}

// Valid reports whether s is shaped like an identifier: lower-case hex,
// MinLength to MaxLength characters.
func Valid(s string) bool {
	if len(s) < MinLength || len(s) > MaxLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
