package storage

import (
	"encoding/json"
)

// Values are stored as JSON so decimals keep their exact string form and
// the database stays readable with generic tooling.

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decode(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
