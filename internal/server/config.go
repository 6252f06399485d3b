package server

// Config holds server configuration
type Config struct {
	Port      string
	JWTSecret string // Secret key for JWT authentication
	ReplicaID string // Stable identity of this process in the fleet
}
