package lock

import "time"

// Op names a lock transition.
type Op string

const (
	OpRegister Op = "register"
	OpRemove   Op = "remove"
	OpAcquire  Op = "acquire"
	OpRelease  Op = "release"
	OpExpire   Op = "expire"
)

// Event is published on the event bus for every lock transition.
type Event struct {
	Op    Op        `json:"op"`
	Key   string    `json:"key"`
	Token string    `json:"token,omitempty"`
	At    time.Time `json:"at"`
}

// Topic returns the watchbus topic carrying events for key.
func Topic(key string) string { return "lock:" + key }
