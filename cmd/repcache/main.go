// repcache is a read-through cache in front of the AbuseIPDB reputation API.
//
// Usage:
//
//	# Serve the HTTP API with scheduled sweeps and watchlist refreshes
//	repcache serve
//
//	# Look up one subject through the cache
//	repcache resolve ip 203.0.113.9
//
//	# Inspect quota and upstream usage
//	repcache quota
//	repcache usage --hours 48
package main

func main() {
	Execute()
}
