package parse

import "strings"

// Kind distinguishes the three shapes a raw result payload can take.
type Kind int

const (
	// KindEmpty means the payload carried no text at all, typically a
	// still-pending order.
	KindEmpty Kind = iota
	// KindRecord means at least one canonical field was recovered.
	KindRecord
	// KindError means the payload carried text but none of it was
	// recognizable, usually a service-side failure message.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindRecord:
		return "record"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of interpreting one raw payload. Exactly
// one of Fields or Message is populated for KindRecord and KindError; both
// are zero for KindEmpty.
type Outcome struct {
	Kind    Kind
	Fields  map[string]string
	Message string
}

// Interpret classifies a raw result payload. Unparseable text is surfaced as
// KindError with the cleaned message rather than being conflated with an
// empty result, so callers can tell "no result yet" from "the service said
// something we do not understand".
func Interpret(raw string) Outcome {
	if strings.TrimSpace(raw) == "" {
		return Outcome{Kind: KindEmpty}
	}

	fields := Parse(raw)
	if len(fields) == 0 {
		return Outcome{Kind: KindError, Message: CleanText(raw)}
	}

	return Outcome{Kind: KindRecord, Fields: fields}
}
