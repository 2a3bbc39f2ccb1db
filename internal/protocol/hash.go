package protocol

import (
	"crypto/sha256"
	"encoding/hex"
)

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ContentHash returns the lowercase hex SHA-256 of the UTF-8 content.
func ContentHash(content string) string {
	return hashString(content)
}

// AttachmentsHash returns the hash of the canonical attachment serialization.
// An empty or missing attachment list hashes the literal "[]".
func AttachmentsHash(atts []Attachment) string {
	return hashString(canonicalAttachments(atts))
}
