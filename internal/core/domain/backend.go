package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is the kind of inference traffic a downstream server accepts.
type Role string

const (
	RoleChat         Role = "chat"
	RoleEmbeddings   Role = "embeddings"
	RoleImage        Role = "image"
	RoleAudio        Role = "audio"
	RoleTextToSpeech Role = "tts"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleChat, RoleEmbeddings, RoleImage, RoleAudio, RoleTextToSpeech}

func (r Role) Valid() bool {
	switch r {
	case RoleChat, RoleEmbeddings, RoleImage, RoleAudio, RoleTextToSpeech:
		return true
	default:
		return false
	}
}

// ParseRole accepts the canonical names plus the aliases used by older clients.
func ParseRole(value string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "chat":
		return RoleChat, nil
	case "embeddings", "embedding":
		return RoleEmbeddings, nil
	case "image", "images":
		return RoleImage, nil
	case "audio", "transcribe", "translate":
		return RoleAudio, nil
	case "tts", "speech":
		return RoleTextToSpeech, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse role", fmt.Errorf("unknown server kind %q", value))
	}
}

type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type BackendServer struct {
	ID           string       `json:"id"`
	Role         Role         `json:"kind"`
	URL          string       `json:"url"`
	Health       HealthStatus `json:"health"`
	LastProbe    time.Time    `json:"last_probe,omitempty"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// NewBackendID builds the role-scoped identity, e.g. "chat-server-<uuid>".
func NewBackendID(role Role, suffix string) string {
	return fmt.Sprintf("%s-server-%s", role, suffix)
}

// HealthReport is the outcome of one supervisor cycle.
type HealthReport struct {
	CheckedAt time.Time         `json:"checked_at"`
	Healthy   map[Role][]string `json:"servers"`
	Unhealthy map[Role][]string `json:"unhealthy,omitempty"`
	Probes    int               `json:"probes"`
}
