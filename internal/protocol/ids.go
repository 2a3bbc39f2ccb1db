package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes.
const (
	UserIDPrefix   = "user_"
	ServerIDPrefix = "s_"
	AssetIDPrefix  = "a_"
	ClientIDPrefix = "c_"
)

const maxClientIDSuffix = 64

// NewUserID mints a user identifier.
func NewUserID() string {
	return UserIDPrefix + uuid.NewString()
}

// NewServerID mints a server event identifier.
func NewServerID() string {
	return ServerIDPrefix + uuid.NewString()
}

// NewAssetID mints an asset identifier.
func NewAssetID() string {
	return AssetIDPrefix + uuid.NewString()
}

// NewSessionID mints a session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

func isUUIDv4(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return u.Version() == 4
}

// ValidDeviceID reports whether s is a UUIDv4 device identifier.
func ValidDeviceID(s string) bool {
	return isUUIDv4(s)
}

// ValidUserID reports whether s has the shape user_<uuidv4>.
func ValidUserID(s string) bool {
	rest, ok := strings.CutPrefix(s, UserIDPrefix)
	if !ok {
		return false
	}
	return isUUIDv4(rest)
}

// ValidAssetID reports whether s has the shape a_<uuidv4>.
func ValidAssetID(s string) bool {
	rest, ok := strings.CutPrefix(s, AssetIDPrefix)
	if !ok {
		return false
	}
	return isUUIDv4(rest)
}

// ValidClientID reports whether s is an acceptable client message id:
// the c_ prefix followed by 1-64 characters of [A-Za-z0-9_-].
func ValidClientID(s string) bool {
	rest, ok := strings.CutPrefix(s, ClientIDPrefix)
	if !ok {
		return false
	}
	if len(rest) == 0 || len(rest) > maxClientIDSuffix {
		return false
	}
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
