package mcelog

import "sync"

var (
	onceMu   sync.Mutex
	onceSeen = map[string]bool{}
)
