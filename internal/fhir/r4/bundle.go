package r4

import "encoding/json"

// Bundle type codes.
const (
	BundleTypeTransaction = "transaction"
	BundleTypeCollection  = "collection"
)

// Bundle represents a FHIR R4 Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"` // transaction | collection | ...
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is one entry of a Bundle.
type BundleEntry struct {
	FullURL  string              `json:"fullUrl,omitempty"`
	Resource json.RawMessage     `json:"resource,omitempty"`
	Request  *BundleEntryRequest `json:"request,omitempty"`
}

// BundleEntryRequest carries the transaction verb for an entry.
type BundleEntryRequest struct {
	Method string `json:"method"` // GET | POST | PUT | DELETE
	URL    string `json:"url"`
}

// ToJSON serializes the Bundle to JSON.
func (b *Bundle) ToJSON() ([]byte, error) {
	return json.Marshal(b)
}

// FromJSON deserializes a Bundle from JSON.
func (b *Bundle) FromJSON(data []byte) error {
	return json.Unmarshal(data, b)
}
