package cache

// keyNamespace lets the cache share a Redis database with the work queue.
const keyNamespace = "framehunter:"

// RateLimitKey is the per-API-key request counter.
func RateLimitKey(keyPrefix string) string {
	return keyNamespace + "ratelimit:" + keyPrefix
}

// GenerationKey holds the owner's retrieval cache generation.
func GenerationKey(ownerID string) string {
	return keyNamespace + "retrieval:gen:" + ownerID
}
