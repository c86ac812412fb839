package crdt

import (
	"github.com/google/uuid"
)

// MockUUIDs makes NewSiteID return the given UUIDs, in order. Returns a function to undo the
// mocking.
func MockUUIDs(uuids ...uuid.UUID) func() {
	var i int
	prev := uuidv1
	uuidv1 = func() uuid.UUID {
		id := uuids[i]
		i++
		return id
	}
	return func() { uuidv1 = prev }
}
