// Package testutil provides testing utilities for the batch engine.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// MockOrder is one order tracked by the mock lookup service.
type MockOrder struct {
	ID     string
	IMEI   string
	Status string
	Result string
}

// MockLookup is a configurable in-memory stand-in for the lookup service.
// It speaks the same form-POST API: placeorder assigns order ids and flags
// duplicates, getimeis answers bulk status polls with XML.
type MockLookup struct {
	server *httptest.Server
	mu     sync.RWMutex

	orders      map[string]*MockOrder // by order id
	byIMEI      map[string]string     // imei -> order id
	nextOrderID int

	failures      int    // remaining 503 answers before behaving again
	rejectMessage string // if set, placeorder answers with this plain text
	phpDecl       bool   // emit the malformed "<?phpxml" declaration

	// Tracking
	RequestCount    int
	PlaceOrderCount int
	PollCount       int
	LastForm        map[string]string
}

// NewMockLookup creates a started mock lookup service.
func NewMockLookup() *MockLookup {
	mock := &MockLookup{
		orders:      make(map[string]*MockOrder),
		byIMEI:      make(map[string]string),
		nextOrderID: 84421,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockLookup) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockLookup) Close() {
	m.server.Close()
}

// FailNext makes the next n requests answer 503 before the mock recovers.
func (m *MockLookup) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// RejectWith makes placeorder answer with a plain-text message instead of
// accepting orders.
func (m *MockLookup) RejectWith(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectMessage = msg
}

// UsePHPDeclaration makes responses start with the service's occasional
// malformed "<?phpxml" declaration.
func (m *MockLookup) UsePHPDeclaration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phpDecl = true
}

// SetResult sets the status and raw result text of an existing order,
// looked up by identifier.
func (m *MockLookup) SetResult(imei, status, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if orderID, ok := m.byIMEI[imei]; ok {
		m.orders[orderID].Status = status
		m.orders[orderID].Result = result
	}
}

// Order returns the tracked order for an identifier.
func (m *MockLookup) Order(imei string) (MockOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orderID, ok := m.byIMEI[imei]
	if !ok {
		return MockOrder{}, false
	}
	return *m.orders[orderID], true
}

// OrderCount returns the number of placed orders.
func (m *MockLookup) OrderCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

func (m *MockLookup) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.RequestCount++
	m.LastForm = make(map[string]string)
	for key := range r.PostForm {
		m.LastForm[key] = r.PostForm.Get(key)
	}
	if m.failures > 0 {
		m.failures--
		m.mu.Unlock()
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	m.mu.Unlock()

	switch r.PostForm.Get("action") {
	case "placeorder":
		m.placeOrder(w, r)
	case "getimeis":
		m.poll(w, r)
	default:
		fmt.Fprint(w, "Invalid action")
	}
}

func (m *MockLookup) placeOrder(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlaceOrderCount++

	if m.rejectMessage != "" {
		fmt.Fprint(w, m.rejectMessage)
		return
	}

	var accepted []*MockOrder
	var duplicates []string
	for _, imei := range strings.Split(r.PostForm.Get("imei"), ",") {
		imei = strings.TrimSpace(imei)
		if imei == "" {
			continue
		}
		if _, known := m.byIMEI[imei]; known {
			duplicates = append(duplicates, imei)
			continue
		}
		order := &MockOrder{
			ID:     strconv.Itoa(m.nextOrderID),
			IMEI:   imei,
			Status: "Pending",
		}
		m.nextOrderID++
		m.orders[order.ID] = order
		m.byIMEI[imei] = order.ID
		accepted = append(accepted, order)
	}

	var sb strings.Builder
	m.writeDeclaration(&sb)
	sb.WriteString("<result>")
	for _, order := range accepted {
		fmt.Fprintf(&sb, "<imeis><id>%s</id><imei>%s</imei><status>%s</status></imeis>",
			order.ID, order.IMEI, order.Status)
	}
	if len(duplicates) > 0 {
		fmt.Fprintf(&sb, "<imeiduplicates><imei>%s</imei></imeiduplicates>", strings.Join(duplicates, ","))
	}
	sb.WriteString("</result>")

	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, sb.String())
}

func (m *MockLookup) poll(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PollCount++

	var sb strings.Builder
	m.writeDeclaration(&sb)
	sb.WriteString("<result>")
	for _, orderID := range strings.Split(r.PostForm.Get("orderIds"), ",") {
		orderID = strings.TrimSpace(orderID)
		order, ok := m.orders[orderID]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "<imeis><id>%s</id><imei>%s</imei><status>%s</status><code>%s</code></imeis>",
			order.ID, order.IMEI, order.Status, escapeXML(order.Result))
	}
	sb.WriteString("</result>")

	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, sb.String())
}

func (m *MockLookup) writeDeclaration(sb *strings.Builder) {
	if m.phpDecl {
		sb.WriteString("<?phpxml version=\"1.0\" encoding=\"UTF-8\"?>")
	} else {
		sb.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	}
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
