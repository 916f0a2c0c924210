package lookup

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// SubmitResponse is the result of one submit call, split into the three
// buckets the engine cares about.
type SubmitResponse struct {
	// Accepted are identifiers the service took, with their assigned order ids.
	Accepted []AcceptedOrder

	// Duplicates are identifiers the service already knows. Not charged.
	Duplicates []string

	// Errors are explicit service-side error messages for this call.
	Errors []string
}

// AcceptedOrder is one identifier accepted by the service.
type AcceptedOrder struct {
	Identifier string
	OrderID    string
	Status     string
}

// OrderStatus is one record returned by a bulk status poll.
type OrderStatus struct {
	OrderID      string
	Identifier   string
	ServiceLabel string
	Status       string
	RawResult    string
	RequestedAt  string
}

// xmlOrder mirrors one <imeis> element of the service's XML payload.
type xmlOrder struct {
	ID          string `xml:"id"`
	IMEI        string `xml:"imei"`
	Package     string `xml:"package"`
	Status      string `xml:"status"`
	Code        string `xml:"code"`
	RequestedAt string `xml:"requestedat"`
}

// xmlDuplicates mirrors one <imeiduplicates> element. The service packs
// multiple identifiers into one comma-joined <imei> value.
type xmlDuplicates struct {
	IMEI string `xml:"imei"`
}

type xmlInner struct {
	Orders     []xmlOrder      `xml:"imeis"`
	Duplicates []xmlDuplicates `xml:"imeiduplicates"`
	Errors     []string        `xml:"error"`
}

// xmlPayload matches both response shapes the service produces: buckets
// directly under the root, or nested one level down in <result>.
type xmlPayload struct {
	Orders     []xmlOrder      `xml:"imeis"`
	Duplicates []xmlDuplicates `xml:"imeiduplicates"`
	Errors     []string        `xml:"error"`
	Result     *xmlInner       `xml:"result"`
}

func (p *xmlPayload) flatten() ([]xmlOrder, []xmlDuplicates, []string) {
	orders := p.Orders
	dups := p.Duplicates
	errs := p.Errors
	if p.Result != nil {
		orders = append(orders, p.Result.Orders...)
		dups = append(dups, p.Result.Duplicates...)
		errs = append(errs, p.Result.Errors...)
	}
	return orders, dups, errs
}

// fixXMLDeclaration repairs the service's occasional malformed "<?phpxml"
// declaration, which otherwise breaks every decode.
func fixXMLDeclaration(body []byte) []byte {
	if bytes.HasPrefix(body, []byte("<?phpxml")) {
		return append([]byte("<?xml"), body[len("<?phpxml"):]...)
	}
	return body
}

// decodeSubmitResponse turns a raw submit response into the three buckets.
// The service sometimes answers with a bare text message instead of XML;
// that message is classified as duplicate or rejection and never dropped.
func decodeSubmitResponse(body []byte, identifiers []string, forceRecheck bool) (*SubmitResponse, error) {
	resp := &SubmitResponse{}

	trimmed := bytes.TrimSpace(fixXMLDeclaration(body))
	if len(trimmed) == 0 {
		return resp, nil
	}

	var payload xmlPayload
	if err := xml.Unmarshal(trimmed, &payload); err != nil {
		// Plain-text answer. The whole body is one service message.
		applyServiceMessage(resp, string(trimmed), identifiers, forceRecheck)
		return resp, nil
	}

	orders, dups, errs := payload.flatten()

	for _, o := range orders {
		if o.ID == "" && o.IMEI == "" {
			continue
		}
		resp.Accepted = append(resp.Accepted, AcceptedOrder{
			Identifier: o.IMEI,
			OrderID:    o.ID,
			Status:     o.Status,
		})
	}

	for _, d := range dups {
		for _, id := range strings.Split(d.IMEI, ",") {
			if id = strings.TrimSpace(id); id != "" {
				resp.Duplicates = append(resp.Duplicates, id)
			}
		}
	}

	for _, msg := range errs {
		if msg = strings.TrimSpace(msg); msg != "" {
			applyServiceMessage(resp, msg, identifiers, forceRecheck)
		}
	}

	return resp, nil
}

// applyServiceMessage routes one free-text service message into the duplicate
// or error bucket. Under force-recheck a duplicate answer means the service
// still refuses the re-submission, which the caller asked to see as an error.
func applyServiceMessage(resp *SubmitResponse, msg string, identifiers []string, forceRecheck bool) {
	switch classifyMessage(msg) {
	case OutcomeDuplicate:
		if forceRecheck {
			resp.Errors = append(resp.Errors, msg)
			return
		}
		resp.Duplicates = append(resp.Duplicates, identifiers...)
	default:
		resp.Errors = append(resp.Errors, msg)
	}
}

// decodePollResponse decodes a bulk status poll answer.
func decodePollResponse(body []byte) ([]OrderStatus, error) {
	trimmed := bytes.TrimSpace(fixXMLDeclaration(body))
	if len(trimmed) == 0 {
		return nil, nil
	}

	var payload xmlPayload
	if err := xml.Unmarshal(trimmed, &payload); err != nil {
		return nil, &ServiceError{
			Class:   ErrorClassRejection,
			Message: fmt.Sprintf("unparseable poll response: %s", firstLine(string(trimmed))),
			Err:     err,
		}
	}

	orders, _, errs := payload.flatten()
	if len(orders) == 0 && len(errs) > 0 {
		return nil, &ServiceError{
			Class:   ErrorClassRejection,
			Message: strings.Join(errs, "; "),
		}
	}

	statuses := make([]OrderStatus, 0, len(orders))
	for _, o := range orders {
		if o.ID == "" && o.IMEI == "" {
			continue
		}
		statuses = append(statuses, OrderStatus{
			OrderID:      o.ID,
			Identifier:   o.IMEI,
			ServiceLabel: o.Package,
			Status:       o.Status,
			RawResult:    o.Code,
			RequestedAt:  o.RequestedAt,
		})
	}

	return statuses, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
