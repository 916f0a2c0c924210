// Package parse extracts canonical result fields from the lookup service's
// free-text payloads. The service returns anything from clean newline-
// delimited "Label: Value" pairs to a single HTML-tagged physical line with
// no separators at all; this package normalizes every shape into one stable
// field map and never fails — the worst case is an empty map.
package parse

import (
	"html"
	"regexp"
	"sort"
	"strings"
)

// Canonical field names, independent of the service's label wording.
const (
	FieldModel        = "model"
	FieldIMEI         = "imei_number"
	FieldSerial       = "serial_number"
	FieldIMEI2        = "imei2_number"
	FieldMEID         = "meid_number"
	FieldAppleCare    = "applecare_eligible"
	FieldPurchaseDate = "estimated_purchase_date"
	FieldCarrier      = "carrier"
	FieldTetherPolicy = "next_tether_policy"
	FieldGSMAStatus   = "current_gsma_status"
	FieldFindMy       = "find_my_iphone"
	FieldSimlock      = "simlock"
)

// labelAliases maps each canonical field to every label wording the service
// has been seen to use. Matching is case-insensitive.
var labelAliases = map[string][]string{
	FieldModel:        {"model", "device model", "model name"},
	FieldIMEI:         {"imei number", "imei", "imei1"},
	FieldSerial:       {"serial number", "serial", "sn"},
	FieldIMEI2:        {"imei2 number", "imei2", "imei 2"},
	FieldMEID:         {"meid number", "meid"},
	FieldAppleCare:    {"applecare eligible", "applecare", "apple care"},
	FieldPurchaseDate: {"estimated purchase date", "purchase date", "bought date"},
	FieldCarrier:      {"carrier", "network", "provider", "operator"},
	FieldTetherPolicy: {"next tether policy", "tether policy", "policy id"},
	FieldGSMAStatus:   {"current gsma status", "gsma status", "blacklist status"},
	FieldFindMy:       {"find my iphone", "find my", "fmi", "icloud"},
	FieldSimlock:      {"simlock", "sim lock", "lock status"},
}

// aliasIndex is the reverse mapping: lowercased label wording -> field name.
var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[string]string {
	index := make(map[string]string)
	for field, aliases := range labelAliases {
		for _, alias := range aliases {
			index[alias] = field
		}
	}
	return index
}

var (
	// brTag matches literal and entity-encoded <br> variants, which act as
	// line separators in HTML-shaped payloads.
	brTag = regexp.MustCompile(`(?i)(<br\s*/?>|&lt;br\s*/?&gt;)`)

	htmlTag = regexp.MustCompile(`<[^>]+>`)

	// labelBreak finds a known label preceded by whitespace and is used to
	// synthesize line breaks in single-line payloads. Alternatives are
	// ordered longest-first so a long label ("imei2 number") is never split
	// by one of its shorter prefixes ("imei").
	labelBreak = buildLabelBreak()
)

func buildLabelBreak() *regexp.Regexp {
	all := make([]string, 0, len(aliasIndex))
	for alias := range aliasIndex {
		all = append(all, alias)
	}
	sort.Slice(all, func(i, j int) bool {
		if len(all[i]) != len(all[j]) {
			return len(all[i]) > len(all[j])
		}
		return all[i] < all[j]
	})
	for i, alias := range all {
		all[i] = regexp.QuoteMeta(alias)
	}
	return regexp.MustCompile(`(?i)[ \t]+((?:` + strings.Join(all, "|") + `)\s*:)`)
}

// singleLineThreshold is the payload length above which a payload without
// newlines is assumed to be a flattened multi-field result.
const singleLineThreshold = 100

// Parse extracts all recognizable fields from raw result text. Unrecognized
// labels are dropped silently and duplicate labels keep their first value.
// Absence of a key means the field was not found; Parse never stores empty
// values and never returns an error.
func Parse(raw string) map[string]string {
	fields := make(map[string]string)
	if raw == "" {
		return fields
	}

	text := brTag.ReplaceAllString(raw, "\n")

	if !strings.Contains(text, "\n") && len(text) > singleLineThreshold {
		text = labelBreak.ReplaceAllString(text, "\n$1")
	}

	for _, line := range strings.Split(text, "\n") {
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}

		label := normalize(line[:idx])
		field, known := aliasIndex[label]
		if !known {
			continue
		}

		value := CleanText(line[idx+1:])
		if value == "" {
			continue
		}

		if _, exists := fields[field]; !exists {
			fields[field] = value
		}
	}

	return fields
}

// normalize prepares a raw label for alias lookup.
func normalize(label string) string {
	label = htmlTag.ReplaceAllString(label, "")
	label = html.UnescapeString(label)
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

// CleanText strips HTML tags and entities and collapses all whitespace runs
// into single spaces.
func CleanText(s string) string {
	s = brTag.ReplaceAllString(s, " ")
	s = htmlTag.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}

// requiredFields is the minimal field subset a usable result must contain.
var requiredFields = []string{FieldIMEI, FieldModel}

// Validate reports whether the minimal required field subset was recovered
// and which required fields are missing.
func Validate(fields map[string]string) (bool, []string) {
	var missing []string
	for _, field := range requiredFields {
		if fields[field] == "" {
			missing = append(missing, field)
		}
	}
	return len(missing) == 0, missing
}
