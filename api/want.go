package api

// WantRequest announces interest in the next item of a queue. It is sent on
// the persistent connection.
type WantRequest struct {
	// Queue is the queue identifier.
	Queue string `json:"queue"`
	// Identifier correlates the eventual WantResponse with this request.
	Identifier string `json:"identifier"`
	// Key scopes the want to items put with the same key. Nil accepts any item.
	Key *string `json:"key,omitempty"`
}

// WantResponse is the payload of a success envelope answering a want.
type WantResponse struct {
	// ID echoes WantRequest.Identifier.
	ID string `json:"id"`
	// Item is the delivered queue item.
	Item *Item `json:"item"`
}

// Item is a single queue entry.
type Item struct {
	// Key is the optional item key; nil when the item was put without one.
	Key *string `json:"key"`
	// Value is the item body.
	Value string `json:"value"`
}

// KeyString returns the item key and whether one was set.
func (i Item) KeyString() (string, bool) {
	if i.Key == nil {
		return "", false
	}
	return *i.Key, true
}

// QueueInfo is the metadata returned for a queue.
type QueueInfo struct {
	// Name is the queue identifier.
	Name string `json:"name"`
}

// Key returns a pointer to k, for use as an optional key.
func Key(k string) *string {
	return &k
}
