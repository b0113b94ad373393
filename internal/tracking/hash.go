package tracking

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// HashCanonicalJSON computes the SHA-256 hex digest of v's canonical JSON
// form: object keys sorted lexicographically at every depth, nil/omitted
// values elided. Used for payloadHash/requirementsHash so two systems that
// received logically identical data reconciling after the fact compute the
// same fingerprint regardless of original key order.
func HashCanonicalJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", err
	}

	canonical, err := canonicalize(decoded)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes (used for
// paymentSignatureHash over the raw signature bytes).
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func canonicalize(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		wrote := false
		for _, k := range keys {
			if val[k] == nil {
				continue
			}
			if wrote {
				buf = append(buf, ',')
			}
			wrote = true
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyJSON...)
			buf = append(buf, ':')
			childJSON, err := canonicalize(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, childJSON...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			itemJSON, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemJSON...)
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		return json.Marshal(val)
	}
}
