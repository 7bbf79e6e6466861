// Package redis opens the go-redis clients shared by the limiter window,
// the content cache and the archive queue.
package redis
