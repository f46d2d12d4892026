package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/language"
)

// DefaultLanguage is the key used when a description has no language of its
// own, e.g. text migrated from a legacy record.
const DefaultLanguage = "en"

// LocalizedText maps BCP 47 language tags to display text. It is stored as a
// single JSON blob.
type LocalizedText map[string]string

// PlainText wraps a single untagged string.
func PlainText(s string) LocalizedText {
	if s == "" {
		return LocalizedText{}
	}
	return LocalizedText{DefaultLanguage: s}
}

// Resolve returns the text that best matches the preferred languages. The
// default language wins when nothing matches; an empty blob resolves to "".
func (lt LocalizedText) Resolve(preferred ...string) string {
	if len(lt) == 0 {
		return ""
	}

	keys := make([]string, 0, len(lt))
	for k := range lt {
		keys = append(keys, k)
	}
	// The matcher falls back to its first tag, so the default language goes first.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == DefaultLanguage {
			return true
		}
		if keys[j] == DefaultLanguage {
			return false
		}
		return keys[i] < keys[j]
	})

	supported := make([]language.Tag, len(keys))
	for i, k := range keys {
		supported[i] = language.Make(k)
	}

	var wanted []language.Tag
	for _, p := range preferred {
		if tag, err := language.Parse(p); err == nil {
			wanted = append(wanted, tag)
		}
	}

	_, idx, _ := language.NewMatcher(supported).Match(wanted...)
	return lt[keys[idx]]
}

// MarshalBlob encodes the text for storage. A nil map is stored as "{}".
func (lt LocalizedText) MarshalBlob() (string, error) {
	if lt == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]string(lt))
	if err != nil {
		return "", fmt.Errorf("failed to marshal localized text: %w", err)
	}
	return string(data), nil
}

// ParseLocalizedText decodes a stored blob.
func ParseLocalizedText(blob string) (LocalizedText, error) {
	lt := LocalizedText{}
	if blob == "" || blob == "null" {
		return lt, nil
	}
	if err := json.Unmarshal([]byte(blob), &lt); err != nil {
		return nil, fmt.Errorf("failed to parse localized text: %w", err)
	}
	return lt, nil
}
